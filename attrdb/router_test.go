package attrdb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"hapkit"
	"hapkit/accessory"
	"hapkit/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Instance ids of the test fan: the information service takes 1-7.
const (
	iidIdentify = 2
	iidInfoName = 5
	iidOn       = 9
	iidSpeed    = 10
	iidFanName  = 11
)

type testFan struct {
	reg    *accessory.Registry
	d      *event.Dispatcher
	router *Router
	on     *accessory.Characteristic
	speed  *accessory.Characteristic
}

func newTestFan(t *testing.T, speedGetter accessory.Getter) *testFan {
	on := accessory.NewOn()
	speed := accessory.NewRotationSpeed()
	speed.Getter = speedGetter
	info := accessory.NewInfoService(accessory.Info{
		Name:             "Ceiling Fan",
		Manufacturer:     "AI Thinker",
		SerialNumber:     "MJBPJ-CMTHH-8YHX5",
		Model:            "ESP8266MOD",
		FirmwareRevision: "1.0",
	}, nil)
	reg, err := accessory.NewRegistry(&accessory.Accessory{
		ID:       1,
		Category: accessory.CategoryFan,
		Services: []*accessory.Service{info, {
			Type:            accessory.TypeFan,
			Primary:         true,
			Characteristics: []*accessory.Characteristic{on, speed, accessory.NewName("Fan")},
		}},
	})
	require.NoError(t, err)
	require.EqualValues(t, iidSpeed, speed.IID)
	d := event.NewDispatcher(16)
	return &testFan{reg: reg, d: d, router: NewRouter(reg, d, 50*time.Millisecond), on: on, speed: speed}
}

func write(aid, iid uint64, value string) *WriteItem {
	return &WriteItem{AID: aid, IID: iid, Value: json.RawMessage(value)}
}

func statuses(resp *Response) []hapkit.Status {
	var out []hapkit.Status
	for _, c := range resp.Characteristics {
		if c.Status == nil {
			out = append(out, 1)
			continue
		}
		out = append(out, *c.Status)
	}
	return out
}

func TestFanScenario(t *testing.T) {
	f := newTestFan(t, nil)
	ctx := context.Background()

	resp, code := f.router.Write(ctx, "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidSpeed, "150")}})
	assert.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusInvalidValue}, statuses(resp))
	assert.Equal(t, 0.0, f.speed.Cached())

	resp, code = f.router.Write(ctx, "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidSpeed, "50")}})
	assert.Equal(t, http.StatusNoContent, code)
	assert.Nil(t, resp)

	resp, code = f.router.Read(ctx, "ios", &ReadRequest{IDs: []CharacteristicID{{1, iidSpeed}}})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"characteristics":[{"aid":1,"iid":10,"value":50}]}`, mustJSON(t, resp))
}

func mustJSON(t *testing.T, v any) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newTestFan(t, accessory.GetterFunc(func(ctx context.Context) (any, error) {
		<-release
		return 75, nil
	}))

	start := time.Now()
	resp, code := f.router.Read(context.Background(), "ios", &ReadRequest{IDs: []CharacteristicID{
		{1, iidOn}, {1, iidSpeed}, {1, iidFanName},
	}})
	assert.Less(t, time.Since(start), time.Second)
	require.Equal(t, http.StatusMultiStatus, code)
	require.Len(t, resp.Characteristics, 3)
	assert.Equal(t, []hapkit.Status{hapkit.StatusOK, hapkit.StatusTimeout, hapkit.StatusOK}, statuses(resp))
	assert.JSONEq(t, "false", string(resp.Characteristics[0].Value))
	assert.Nil(t, resp.Characteristics[1].Value)
	assert.JSONEq(t, `"Fan"`, string(resp.Characteristics[2].Value))
}

func TestWriteTimeoutCompletesLater(t *testing.T) {
	f := newTestFan(t, nil)
	release := make(chan struct{})
	done := make(chan struct{})
	f.on.Setter = accessory.SetterFunc(func(ctx context.Context, v any) error {
		<-release
		close(done)
		return nil
	})
	resp, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{
		write(1, iidOn, "true"), write(1, iidSpeed, "25"),
	}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusTimeout, hapkit.StatusOK}, statuses(resp))

	close(release)
	<-done
	assert.Eventually(t, func() bool { return f.on.Cached() == true }, time.Second, 5*time.Millisecond)
}

func TestBatchErrors(t *testing.T) {
	f := newTestFan(t, nil)
	ctx := context.Background()

	resp, code := f.router.Read(ctx, "ios", &ReadRequest{IDs: []CharacteristicID{
		{1, iidOn}, {1, 99}, {7, 1}, {1, iidIdentify},
	}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{
		hapkit.StatusOK,
		hapkit.StatusResourceNotFound,
		hapkit.StatusResourceNotFound,
		hapkit.StatusReadFailure,
	}, statuses(resp))

	resp, code = f.router.Write(ctx, "ios", &WriteRequest{Characteristics: []*WriteItem{
		write(1, iidInfoName, `"x"`),
		write(1, iidOn, `"yes"`),
		write(1, iidOn, "1"),
		{AID: 1, IID: iidOn},
	}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{
		hapkit.StatusWriteFailure,
		hapkit.StatusInvalidValue,
		hapkit.StatusOK,
		hapkit.StatusInvalidValue,
	}, statuses(resp))
	assert.Equal(t, true, f.on.Cached())
}

func TestSetterFailure(t *testing.T) {
	f := newTestFan(t, nil)
	f.on.Setter = accessory.SetterFunc(func(context.Context, any) error {
		return errors.New("relay stuck")
	})
	resp, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidOn, "true")}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusCommunicationFailure}, statuses(resp))
	assert.Equal(t, false, f.on.Cached())
}

func TestEvents(t *testing.T) {
	f := newTestFan(t, nil)
	ctx := context.Background()
	qa := f.d.Register("a")
	qb := f.d.Register("b")

	on := true
	_, code := f.router.Write(ctx, "a", &WriteRequest{Characteristics: []*WriteItem{{AID: 1, IID: iidOn, Events: &on}}})
	require.Equal(t, http.StatusNoContent, code)
	resp, code := f.router.Write(ctx, "b", &WriteRequest{Characteristics: []*WriteItem{
		{AID: 1, IID: iidSpeed, Events: &on},
		{AID: 1, IID: iidFanName, Events: &on},
	}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusOK, hapkit.StatusNotificationUnsupported}, statuses(resp))

	_, code = f.router.Write(ctx, "b", &WriteRequest{Characteristics: []*WriteItem{write(1, iidOn, "true"), write(1, iidSpeed, "40")}})
	require.Equal(t, http.StatusNoContent, code)

	assert.Equal(t, []event.Event{{ID: event.ID{AID: 1, IID: iidOn}, Value: json.RawMessage("true")}}, qa.Drain())
	assert.Empty(t, qb.Drain(), "a writer is not notified of its own change")

	// Device-side changes reach every subscriber.
	require.NoError(t, f.speed.Push(60))
	assert.Equal(t, []event.Event{{ID: event.ID{AID: 1, IID: iidSpeed}, Value: json.RawMessage("60")}}, qb.Drain())

	resp, code = f.router.Read(ctx, "a", &ReadRequest{IDs: []CharacteristicID{{1, iidOn}, {1, iidSpeed}}, IncludeEventProperty: true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, *resp.Characteristics[0].Events)
	assert.False(t, *resp.Characteristics[1].Events)

	off := false
	_, code = f.router.Write(ctx, "a", &WriteRequest{Characteristics: []*WriteItem{{AID: 1, IID: iidOn, Events: &off}}})
	require.Equal(t, http.StatusNoContent, code)
	assert.False(t, f.d.Subscribed("a", 1, iidOn))
}

func TestWriteResponse(t *testing.T) {
	f := newTestFan(t, nil)
	item := write(1, iidSpeed, "30")
	item.Response = true
	resp, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{item}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.JSONEq(t, `{"characteristics":[{"aid":1,"iid":10,"value":30,"status":0}]}`, mustJSON(t, resp))
}

func TestReadMetadata(t *testing.T) {
	f := newTestFan(t, nil)
	resp, code := f.router.Read(context.Background(), "ios", &ReadRequest{
		IDs:                   []CharacteristicID{{1, iidSpeed}},
		IncludeMetaProperties: true,
		IncludePermsProperty:  true,
		IncludeTypeProperty:   true,
	})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"characteristics":[{
		"aid":1,"iid":10,"value":0,"type":"29","perms":["pr","pw","ev"],
		"format":"float","unit":"percentage","minValue":0,"maxValue":100,"minStep":1}]}`, mustJSON(t, resp))
}

func TestIdentifyWrite(t *testing.T) {
	f := newTestFan(t, nil)
	identified := make(chan bool, 1)
	f.reg.Primary().Service(accessory.TypeAccessoryInformation).Characteristic(accessory.TypeIdentify).Setter =
		accessory.SetterFunc(func(ctx context.Context, v any) error {
			identified <- v.(bool)
			return nil
		})
	_, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidIdentify, "true")}})
	require.Equal(t, http.StatusNoContent, code)
	assert.True(t, <-identified)
}

func TestParseReadRequest(t *testing.T) {
	q, err := url.ParseQuery("id=1.10,2.9&meta=1&ev=1")
	require.NoError(t, err)
	req, err := ParseReadRequest(q)
	require.NoError(t, err)
	assert.Equal(t, []CharacteristicID{{1, 10}, {2, 9}}, req.IDs)
	assert.True(t, req.IncludeMetaProperties)
	assert.True(t, req.IncludeEventProperty)
	assert.False(t, req.IncludePermsProperty)

	for _, bad := range []string{"", "id=", "id=1", "id=1.x", "id=1.2,3"} {
		q, err := url.ParseQuery(bad)
		require.NoError(t, err)
		_, err = ParseReadRequest(q)
		assert.Error(t, err, bad)
	}
}

func TestDecodeWriteRequest(t *testing.T) {
	req, err := DecodeWriteRequest(strings.NewReader(`{"characteristics":[{"aid":1,"iid":9,"value":true,"ev":false,"r":true}]}`))
	require.NoError(t, err)
	require.Len(t, req.Characteristics, 1)
	item := req.Characteristics[0]
	assert.JSONEq(t, "true", string(item.Value))
	require.NotNil(t, item.Events)
	assert.False(t, *item.Events)
	assert.True(t, item.Response)

	_, err = DecodeWriteRequest(strings.NewReader(`{"characteristics":[]}`))
	assert.Error(t, err)
	_, err = DecodeWriteRequest(strings.NewReader(`{`))
	assert.Error(t, err)
	_, err = DecodeWriteRequest(strings.NewReader(`{"characteristics":[null]}`))
	assert.Error(t, err)
}

func TestIdentifyIsNotCached(t *testing.T) {
	f := newTestFan(t, nil)
	var changes []uint64
	f.reg.OnChange(func(_ context.Context, c *accessory.Characteristic, _ any) {
		changes = append(changes, c.IID)
	})
	id := f.reg.Primary().Service(accessory.TypeAccessoryInformation).Characteristic(accessory.TypeIdentify)
	_, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidIdentify, "true")}})
	require.Equal(t, http.StatusNoContent, code)
	assert.Nil(t, id.Cached())
	assert.Empty(t, changes)
}

func TestNullWriteItem(t *testing.T) {
	f := newTestFan(t, nil)
	var resp *Response
	var code int
	require.NotPanics(t, func() {
		resp, code = f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{nil, write(1, iidOn, "true")}})
	})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusInvalidValue, hapkit.StatusOK}, statuses(resp))
	assert.Equal(t, true, f.on.Cached())
}

// A rejected value must not leave a subscription behind.
func TestInvalidWriteDoesNotSubscribe(t *testing.T) {
	f := newTestFan(t, nil)
	f.d.Register("ios")
	on := true
	item := write(1, iidSpeed, "150")
	item.Events = &on
	resp, code := f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{item}})
	require.Equal(t, http.StatusMultiStatus, code)
	assert.Equal(t, []hapkit.Status{hapkit.StatusInvalidValue}, statuses(resp))
	assert.False(t, f.d.Subscribed("ios", 1, iidSpeed))
	assert.Equal(t, 0.0, f.speed.Cached())
}

func TestDatabaseDuringSlowWrite(t *testing.T) {
	f := newTestFan(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.on.Setter = accessory.SetterFunc(func(context.Context, any) error {
		close(entered)
		<-release
		return nil
	})
	go f.router.Write(context.Background(), "ios", &WriteRequest{Characteristics: []*WriteItem{write(1, iidOn, "true")}})
	<-entered
	defer close(release)

	done := make(chan []byte, 1)
	go func() {
		b, _ := json.Marshal(f.router.Database())
		done <- b
	}()
	select {
	case b := <-done:
		assert.Contains(t, string(b), `"iid":9`)
	case <-time.After(time.Second):
		t.Fatal("accessory database blocked behind a setter")
	}
}
