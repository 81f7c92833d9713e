package registry

import (
	"sync"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

// Registry maps service names to their resolved record. Every insert or
// removal advances the stamp, lookups never do.
type Registry struct {
	lock    sync.RWMutex
	records map[string]rtspremote.ServiceRecord
	stamp   uint64
}

func NewRegistry() *Registry {
	return &Registry{records: map[string]rtspremote.ServiceRecord{}}
}

// Insert stores the record unless its name is already known. It reports
// whether the registry changed.
func (r *Registry) Insert(rec rtspremote.ServiceRecord) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.records[rec.Name]; ok {
		return false
	}

	r.records[rec.Name] = rec
	r.stamp++
	return true
}

// Remove deletes the record for name, if any, and reports whether the
// registry changed.
func (r *Registry) Remove(name string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.records[name]; !ok {
		return false
	}

	delete(r.records, name)
	r.stamp++
	return true
}

func (r *Registry) Contains(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.records[name]
	return ok
}

// Lookup returns the record for name together with the stamp it was read at.
func (r *Registry) Lookup(name string) (rtspremote.ServiceRecord, bool, uint64) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rec, ok := r.records[name]
	return rec, ok, r.stamp
}

func (r *Registry) Stamp() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.stamp
}

// Names returns the currently known names in no particular order.
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	return names
}

// Records returns a copy of every known record.
func (r *Registry) Records() []rtspremote.ServiceRecord {
	r.lock.RLock()
	defer r.lock.RUnlock()

	records := make([]rtspremote.ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	return records
}

// Clear drops every record, advancing the stamp once if anything was known.
func (r *Registry) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if len(r.records) == 0 {
		return
	}

	r.records = map[string]rtspremote.ServiceRecord{}
	r.stamp++
}
