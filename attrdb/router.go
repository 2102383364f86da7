// Package attrdb serves the HAP attribute database: discovery of the
// accessory topology and batched reads, writes and event subscriptions of
// characteristics.
package attrdb

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"hapkit"
	"hapkit/accessory"
	"hapkit/event"

	"github.com/golang/glog"
	"github.com/kr/pretty"
)

const DefaultTimeout = 5 * time.Second

// Router executes attribute database requests against the registry. Items
// of a batch run concurrently and fail independently.
type Router struct {
	Registry   *accessory.Registry
	Dispatcher *event.Dispatcher
	// Timeout bounds the wait for each item. A callback that overruns keeps
	// running and may still update the cached value later.
	Timeout time.Duration
}

// NewRouter returns a router and forwards the registry's value changes to
// the dispatcher.
func NewRouter(reg *accessory.Registry, d *event.Dispatcher, timeout time.Duration) *Router {
	r := &Router{
		Registry:   reg,
		Dispatcher: d,
		Timeout:    timeout,
	}
	reg.OnChange(func(ctx context.Context, c *accessory.Characteristic, v any) {
		if !c.Notifies() {
			return
		}
		b, err := accessory.Serialize(c.Format, v)
		if err != nil {
			glog.Errorf("attrdb: %s: %v", c, err)
			return
		}
		d.Notify(ctx, c.AID(), c.IID, b)
	})
	return r
}

func (r *Router) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// await runs fn and waits for it at most timeout. fn is not cancelled when
// the wait gives up.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		done <- result{v, err}
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-done:
		return res.v, res.err
	case <-t.C:
	case <-ctx.Done():
	}
	var zero T
	return zero, hapkit.ErrTimeout
}

// forEach runs fn for every index concurrently and waits for all.
func forEach(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(i)
		}()
	}
	wg.Wait()
}

// Read serves a read on behalf of session. It returns the response and its
// HTTP status: 200 when every item succeeded, 207 otherwise with a status on
// every item.
func (r *Router) Read(ctx context.Context, session string, req *ReadRequest) (*Response, int) {
	glog.V(2).Infof("attrdb: %s: read %# v", session, pretty.Formatter(req))
	resp := &Response{Characteristics: make([]*Characteristic, len(req.IDs))}
	errs := make([]error, len(req.IDs))
	forEach(len(req.IDs), func(i int) {
		resp.Characteristics[i], errs[i] = r.read(ctx, session, req, req.IDs[i])
	})
	return resp, aggregate(session, resp, errs, http.StatusOK, false)
}

func (r *Router) read(ctx context.Context, session string, req *ReadRequest, id CharacteristicID) (*Characteristic, error) {
	out := &Characteristic{AID: id.AID, IID: id.IID}
	c, err := r.Registry.Characteristic(id.AID, id.IID)
	if err != nil {
		return out, err
	}
	out.describe(c, req.IncludeMetaProperties, req.IncludePermsProperty, req.IncludeTypeProperty)
	if req.IncludeEventProperty {
		ev := r.Dispatcher.Subscribed(session, id.AID, id.IID)
		out.Events = &ev
	}
	out.Value, err = await(ctx, r.timeout(), func(ctx context.Context) ([]byte, error) {
		v, err := r.Registry.Get(ctx, id.AID, id.IID)
		if err != nil {
			return nil, err
		}
		return accessory.Serialize(c.Format, v)
	})
	return out, err
}

// Write serves a write on behalf of session. It returns the HTTP status and,
// unless it is 204, the response body. Items asking for a write response get
// their value back and force a 207.
func (r *Router) Write(ctx context.Context, session string, req *WriteRequest) (*Response, int) {
	glog.V(2).Infof("attrdb: %s: write %# v", session, pretty.Formatter(req))
	resp := &Response{Characteristics: make([]*Characteristic, len(req.Characteristics))}
	errs := make([]error, len(req.Characteristics))
	ctx = event.WithOrigin(ctx, session)
	forEach(len(req.Characteristics), func(i int) {
		resp.Characteristics[i], errs[i] = r.write(ctx, session, req.Characteristics[i])
	})
	withValues := false
	for _, item := range req.Characteristics {
		withValues = withValues || (item != nil && item.Response)
	}
	status := aggregate(session, resp, errs, http.StatusNoContent, withValues)
	if status == http.StatusNoContent {
		return nil, status
	}
	return resp, status
}

func isNull(v []byte) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || string(v) == "null"
}

// write checks everything an item asks for before changing any state, so a
// failed item leaves both the value and the subscription untouched.
func (r *Router) write(ctx context.Context, session string, item *WriteItem) (*Characteristic, error) {
	if item == nil {
		return &Characteristic{}, fmt.Errorf("null write item: %w", hapkit.ErrFormat)
	}
	out := &Characteristic{AID: item.AID, IID: item.IID}
	c, err := r.Registry.Characteristic(item.AID, item.IID)
	if err != nil {
		return out, err
	}
	hasValue := !isNull(item.Value)
	if !hasValue && item.Events == nil {
		return out, fmt.Errorf("%s: neither value nor ev: %w", c, hapkit.ErrFormat)
	}
	if item.Events != nil && !c.Notifies() {
		return out, fmt.Errorf("%s: %w", c, hapkit.ErrNotificationUnsupported)
	}
	var v any
	if hasValue {
		if !c.Writable() {
			return out, fmt.Errorf("%s: %w", c, hapkit.ErrNotWritable)
		}
		if v, err = accessory.Parse(c.Format, item.Value); err != nil {
			return out, err
		}
		if err := accessory.Validate(c.Format, v, c.Constraints); err != nil {
			return out, err
		}
	}
	if item.Events != nil {
		if *item.Events {
			if err := r.Dispatcher.Subscribe(session, item.AID, item.IID); err != nil {
				return out, err
			}
		} else {
			r.Dispatcher.Unsubscribe(session, item.AID, item.IID)
		}
	}
	if !hasValue {
		return out, nil
	}
	out.Value, err = await(ctx, r.timeout(), func(ctx context.Context) ([]byte, error) {
		if err := r.Registry.Set(ctx, item.AID, item.IID, v); err != nil {
			return nil, err
		}
		if !item.Response || !c.Readable() {
			return nil, nil
		}
		return accessory.Serialize(c.Format, c.Cached())
	})
	return out, err
}

// aggregate stores the per-item statuses and picks the HTTP status of the
// batch.
func aggregate(session string, resp *Response, errs []error, ok int, force bool) int {
	failed := false
	for i, err := range errs {
		if err != nil {
			failed = true
			resp.Characteristics[i].Value = nil
			glog.V(1).Infof("attrdb: %s: %v", session, err)
		}
	}
	if !failed && !force {
		return ok
	}
	for i, err := range errs {
		resp.Characteristics[i].setStatus(hapkit.StatusOf(err))
	}
	return http.StatusMultiStatus
}
