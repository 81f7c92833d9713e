package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

// Init initializes GStreamer, it is safe to call more than once.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// LaunchString appends the sink publishing the output of launch to location.
func LaunchString(launch, location string) string {
	return fmt.Sprintf("%s ! rtspclientsink location=%s", launch, location)
}

// Pipeline runs a GStreamer launch description that publishes into a local
// RTSP mount. Inactive pipelines are stopped, active ones are restarted when
// they fail.
type Pipeline struct {
	log rtspremote.Logger

	pipeline *gst.Pipeline

	lock   sync.Mutex
	active bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(log rtspremote.Logger, launch, location string) (*Pipeline, error) {
	Init()

	desc := LaunchString(launch, location)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("failed parsing pipeline %q: %w", desc, err)
	}

	p := &Pipeline{log: log, pipeline: pipeline, active: true, done: make(chan struct{})}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed starting pipeline: %w", err)
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	go p.monitor(ctx)

	log.Debugf("started pipeline: %s", desc)
	return p, nil
}

// SetActive plays the pipeline while active and stops it otherwise.
func (p *Pipeline) SetActive(active bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.active == active {
		return nil
	}
	p.active = active

	state := gst.StateNull
	if active {
		state = gst.StatePlaying
	}

	if err := p.pipeline.SetState(state); err != nil {
		return fmt.Errorf("failed setting pipeline state: %w", err)
	}

	p.log.Debugf("pipeline is now %s", state)
	return nil
}

func (p *Pipeline) isActive() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.active
}

func (p *Pipeline) monitor(ctx context.Context) {
	defer close(p.done)

	bus := p.pipeline.GetPipelineBus()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			p.log.Warnf("pipeline reached end of stream")
			p.restart(ctx, retry)
		case gst.MessageError:
			gerr := msg.ParseError()
			p.log.WithField("debug", gerr.DebugString()).Errorf("pipeline error: %s", gerr.Error())
			p.restart(ctx, retry)
		case gst.MessageStateChanged:
			if msg.Source() == p.pipeline.GetName() {
				prev, cur := msg.ParseStateChanged()
				p.log.Tracef("pipeline state changed from %s to %s", prev, cur)

				if cur == gst.StatePlaying {
					retry.Reset()
				}
			}
		}
	}
}

func (p *Pipeline) restart(ctx context.Context, retry backoff.BackOff) {
	_ = p.pipeline.SetState(gst.StateNull)
	if !p.isActive() {
		return
	}

	wait := retry.NextBackOff()
	p.log.Infof("restarting pipeline in %s", wait)

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.active {
		return
	}

	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		p.log.WithError(err).Errorf("failed restarting pipeline")
	}
}

func (p *Pipeline) Close() error {
	p.cancel()
	<-p.done

	p.lock.Lock()
	defer p.lock.Unlock()

	p.active = false
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed stopping pipeline: %w", err)
	}
	return nil
}
