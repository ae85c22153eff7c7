package link

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// CalibratorConfig tunes the latency calibration sequence.
type CalibratorConfig struct {
	Trials        int           // ping/pong round trips (default 20)
	PingTimeout   time.Duration // per-trial response deadline (default 500ms)
	ButtonTimeout time.Duration // per-button response-time deadline (default 10s)
	FallbackMs    float64       // latency assumed when no trial succeeds (default 5)
}

func (c CalibratorConfig) withDefaults() CalibratorConfig {
	if c.Trials <= 0 {
		c.Trials = 20
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 500 * time.Millisecond
	}
	if c.ButtonTimeout <= 0 {
		c.ButtonTimeout = 10 * time.Second
	}
	if c.FallbackMs <= 0 {
		c.FallbackMs = 5
	}
	return c
}

// CalibrationResult is the frozen outcome of one calibration run.
// ButtonResponseMs holds -1 for a button that never answered its probe.
type CalibrationResult struct {
	MeanLatencyMs    float64              `json:"meanLatencyMs"`
	JitterMs         float64              `json:"jitterMs"` // population stdev of the samples
	SampleCount      int                  `json:"sampleCount"`
	ButtonResponseMs [buttonCount]float64 `json:"buttonResponseMs"`
	Calibrated       bool                 `json:"calibrated"`
}

// Calibrator measures the transmission latency of the link so it can be
// subtracted from raw timestamps, then probes each button's end-to-end
// response path. It never blocks unbounded: every wait is a race between
// the matching response and a deadline, arbitrated by the pending table.
type Calibrator struct {
	cfg     CalibratorConfig
	send    func(cmd string, fields ...string) error
	pending *pendingTable
	emitter *Emitter

	mu     sync.Mutex
	result CalibrationResult
}

func newCalibrator(cfg CalibratorConfig, send func(string, ...string) error, pending *pendingTable, emitter *Emitter) *Calibrator {
	return &Calibrator{
		cfg:     cfg.withDefaults(),
		send:    send,
		pending: pending,
		emitter: emitter,
	}
}

// LatencyMs returns the current one-way latency estimate, or 0 before
// the first calibration run finishes. Compensated timestamps therefore
// equal raw timestamps on an uncalibrated link.
func (c *Calibrator) LatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.result.Calibrated {
		return 0
	}
	return c.result.MeanLatencyMs
}

// Result returns a snapshot of the latest calibration outcome.
func (c *Calibrator) Result() CalibrationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Run executes the full calibration sequence: the ping/pong latency
// phase, then the per-button response probe. Failures along the way emit
// on the error channel but the run always finalizes with whatever
// partial data exists; calibrated flips true only at the end.
func (c *Calibrator) Run(ctx context.Context) CalibrationResult {
	log.Printf("[calibrate] starting: %d trials, ping timeout %v", c.cfg.Trials, c.cfg.PingTimeout)

	samples := c.runPingPhase(ctx)
	res := aggregateSamples(samples, c.cfg.FallbackMs)
	res.ButtonResponseMs = c.runButtonPhase(ctx)
	res.Calibrated = true

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()

	log.Printf("[calibrate] complete: latency=%.2fms jitter=%.2fms (%d/%d samples)",
		res.MeanLatencyMs, res.JitterMs, res.SampleCount, c.cfg.Trials)
	c.emitter.emitCalibrationDone(res)
	return res
}

// runPingPhase sends serialized CALIBRATE_PING trials and collects one
// estimated one-way latency per answered trial. Timed-out trials
// contribute nothing.
func (c *Calibrator) runPingPhase(ctx context.Context) []float64 {
	var samples []float64
	for i := 0; i < c.cfg.Trials; i++ {
		if ctx.Err() != nil {
			return samples
		}

		sendWall := time.Now()
		sendTime := sendWall.UnixMilli()
		wait := c.pending.await(calKey(sendTime), c.cfg.PingTimeout)

		if err := c.send(cmdCalibratePing, itoa64(sendTime)); err != nil {
			c.emitter.emitError("calibration", fmt.Sprintf("ping %d/%d failed: %v", i+1, c.cfg.Trials, err))
			return samples
		}

		res := <-wait
		if res.timedOut {
			log.Printf("[calibrate] trial %d/%d timed out", i+1, c.cfg.Trials)
			continue
		}
		rtt := float64(time.Since(sendWall).Microseconds()) / 1000.0
		samples = append(samples, rtt/2)
	}
	return samples
}

// runButtonPhase prompts each button in turn and measures how long the
// participant-side path takes to deliver a press. -1 records a timeout.
func (c *Calibrator) runButtonPhase(ctx context.Context) [buttonCount]float64 {
	var times [buttonCount]float64
	for idx := 0; idx < buttonCount; idx++ {
		times[idx] = -1
		if ctx.Err() != nil {
			continue
		}

		start := time.Now()
		wait := c.pending.await(pressKey(idx), c.cfg.ButtonTimeout)

		if err := c.send(cmdTestButton, itoa(idx)); err != nil {
			c.emitter.emitError("calibration", fmt.Sprintf("button %d probe failed: %v", idx, err))
			continue
		}

		res := <-wait
		if res.timedOut {
			c.emitter.emitError("calibration", fmt.Sprintf("button %d response timed out", idx))
		} else {
			times[idx] = float64(time.Since(start).Microseconds()) / 1000.0
		}

		// Clear the prompt regardless of outcome.
		if err := c.send(cmdLEDOff, itoa(idx)); err != nil {
			log.Printf("[calibrate] clear prompt %d failed: %v", idx, err)
		}
	}
	return times
}

// aggregateSamples reduces per-trial latency estimates to mean and
// population standard deviation, falling back to a fixed latency when no
// trial succeeded so the result is never undefined.
func aggregateSamples(samples []float64, fallbackMs float64) CalibrationResult {
	res := CalibrationResult{SampleCount: len(samples)}
	if len(samples) == 0 {
		res.MeanLatencyMs = fallbackMs
		return res
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s - mean
		sq += d * d
	}

	res.MeanLatencyMs = mean
	res.JitterMs = math.Sqrt(sq / float64(len(samples)))
	return res
}
