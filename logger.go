/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixfwd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// rootLoggerWarnAfter bounds how long after package initialization SetLogger
// may be called before the first log call past that point warns once and
// settles on discarding log output. Forwarding is meant to run as a long-lived daemon,
// so a caller that never wires a logr.Logger is almost certainly a bug worth
// surfacing once, rather than silently swallowing every log line forever.
const rootLoggerWarnAfter = 30 * time.Second

// SetLogger installs the logr.Logger used by every component in this package
// that was not handed a more specific logger via context.Context. Modeled on
// controller-runtime's deferred root logger: components may derive loggers
// (WithName/WithValues) before SetLogger is called (e.g. during static init
// of a long-lived destination Manager), and those derivations are recorded
// as promises that get fulfilled once a real sink is installed. Log calls
// made before SetLogger go to a discarding sink and are not replayed.
func SetLogger(l logr.Logger) {
	rootFulfilled.Store(true)
	root.Fulfill(l.GetSink())
}

// FromContext returns the logr.Logger stashed in ctx via IntoContext, or the
// package root logger if none was stashed, with keysAndValues appended.
func FromContext(ctx context.Context, keysAndValues ...interface{}) logr.Logger {
	log := Log
	if ctx != nil {
		if logger, err := logr.FromContext(ctx); err == nil {
			log = logger
		}
	}
	return log.WithValues(keysAndValues...)
}

func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return logr.NewContext(ctx, l)
}

func warnIfRootNeverFulfilled() {
	if rootFulfilled.Load() {
		return
	}
	if time.Since(rootCreatedAt) < rootLoggerWarnAfter {
		return
	}
	if !rootFulfilled.CompareAndSwap(false, true) {
		return
	}
	stack := debug.Stack()
	lines := bytes.Count(stack, []byte{'\n'})
	indent := []byte{'\n', '\t', '>', ' ', ' '}
	fmt.Fprintf(os.Stderr,
		"ipfixfwd.SetLogger(...) was never called; forwarding logs will be discarded.\nDetected at:%s%s",
		indent, bytes.Replace(stack, []byte{'\n'}, indent, lines-1))
	SetLogger(logr.New(discardSink{}))
}

var rootFulfilled atomic.Bool

var (
	root, rootCreatedAt = func() (*delegatingSink, time.Time) {
		return newDelegatingSink(discardSink{}), time.Now()
	}()
	// Log is the package root logger, usable directly before any context is
	// available (e.g. from init-time goroutines).
	Log = logr.New(root)
)

type discardSink struct{}

var _ logr.LogSink = discardSink{}

func (discardSink) Init(logr.RuntimeInfo)                      {}
func (discardSink) Info(_ int, _ string, _ ...interface{})      {}
func (discardSink) Error(_ error, _ string, _ ...interface{})   {}
func (discardSink) Enabled(_ int) bool                          { return false }
func (s discardSink) WithName(_ string) logr.LogSink            { return s }
func (s discardSink) WithValues(_ ...interface{}) logr.LogSink  { return s }

// sinkPromise records a WithName/WithValues call made against a
// delegatingSink before the root sink was fulfilled, so it can be replayed
// once a real sink arrives.
type sinkPromise struct {
	target   *delegatingSink
	children []*sinkPromise
	mu       sync.Mutex

	name   *string
	values []interface{}
}

func (p *sinkPromise) withName(target *delegatingSink, name string) *sinkPromise {
	child := &sinkPromise{target: target, name: &name}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
	return child
}

func (p *sinkPromise) withValues(target *delegatingSink, values ...interface{}) *sinkPromise {
	child := &sinkPromise{target: target, values: values}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
	return child
}

func (p *sinkPromise) Fulfill(parent logr.LogSink) {
	sink := parent
	if p.name != nil {
		sink = sink.WithName(*p.name)
	}
	if p.values != nil {
		sink = sink.WithValues(p.values...)
	}

	p.target.mu.Lock()
	p.target.sink = sink
	if depth, ok := sink.(logr.CallDepthLogSink); ok {
		p.target.sink = depth.WithCallDepth(1)
	}
	p.target.promise = nil
	p.target.mu.Unlock()

	for _, child := range p.children {
		child.Fulfill(sink)
	}
}

// delegatingSink forwards to whatever sink was last installed via Fulfill,
// buffering WithName/WithValues derivations as promises until then.
type delegatingSink struct {
	mu      sync.RWMutex
	sink    logr.LogSink
	promise *sinkPromise
	info    logr.RuntimeInfo
}

func newDelegatingSink(initial logr.LogSink) *delegatingSink {
	d := &delegatingSink{sink: initial, promise: &sinkPromise{}}
	d.promise.target = d
	return d
}

func (d *delegatingSink) Init(info logr.RuntimeInfo) {
	warnIfRootNeverFulfilled()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
}

func (d *delegatingSink) Enabled(level int) bool {
	warnIfRootNeverFulfilled()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sink.Enabled(level)
}

func (d *delegatingSink) Info(level int, msg string, keysAndValues ...interface{}) {
	warnIfRootNeverFulfilled()
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.sink.Info(level, msg, keysAndValues...)
}

func (d *delegatingSink) Error(err error, msg string, keysAndValues ...interface{}) {
	warnIfRootNeverFulfilled()
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.sink.Error(err, msg, keysAndValues...)
}

func (d *delegatingSink) WithName(name string) logr.LogSink {
	warnIfRootNeverFulfilled()
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.promise == nil {
		sink := d.sink.WithName(name)
		if depth, ok := sink.(logr.CallDepthLogSink); ok {
			sink = depth.WithCallDepth(-1)
		}
		return sink
	}

	res := &delegatingSink{sink: d.sink}
	res.promise = d.promise.withName(res, name)
	return res
}

func (d *delegatingSink) WithValues(values ...interface{}) logr.LogSink {
	warnIfRootNeverFulfilled()
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.promise == nil {
		sink := d.sink.WithValues(values...)
		if depth, ok := sink.(logr.CallDepthLogSink); ok {
			sink = depth.WithCallDepth(-1)
		}
		return sink
	}

	res := &delegatingSink{sink: d.sink}
	res.promise = d.promise.withValues(res, values...)
	return res
}

func (d *delegatingSink) Fulfill(actual logr.LogSink) {
	if actual == nil {
		actual = discardSink{}
	}
	if d.promise != nil {
		d.promise.Fulfill(actual)
	}
}
