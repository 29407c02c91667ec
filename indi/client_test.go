package indi

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecoder(t *testing.T) {
	for _, test := range []struct {
		name  string
		input string
		want  Element
	}{
		{
			name: "def number",
			input: `<defNumberVector device="Telescope Simulator" name="EQUATORIAL_EOD_COORD" state="Ok" perm="rw" timestamp="2024-03-01T04:00:00">
  <defNumber name="RA" format="%010.6m" min="0" max="24" step="0">12:30:00</defNumber>
  <defNumber name="DEC" format="%010.6m">-5.25</defNumber>
</defNumberVector>`,
			want: Element{
				Tag:  "defNumberVector",
				Verb: "def",
				Property: Property{
					Device: "Telescope Simulator", Name: "EQUATORIAL_EOD_COORD", Kind: KindNumber,
					State: StateOk, Perm: "rw",
					Timestamp: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
					Values: []Value{
						{Name: "RA", Number: 12.5},
						{Name: "DEC", Number: -5.25},
					},
				},
			},
		},
		{
			name:  "set switch",
			input: `<setSwitchVector device="d" name="CONNECTION" state="Busy"><oneSwitch name="CONNECT"> On </oneSwitch><oneSwitch name="DISCONNECT">Off</oneSwitch></setSwitchVector>`,
			want: Element{
				Tag:  "setSwitchVector",
				Verb: "set",
				Property: Property{
					Device: "d", Name: "CONNECTION", Kind: KindSwitch, State: StateBusy,
					Values: []Value{{Name: "CONNECT", Switch: true}, {Name: "DISCONNECT"}},
				},
			},
		},
		{
			name:  "blob",
			input: "<setBLOBVector device=\"c\" name=\"CCD1\" state=\"Ok\"><oneBLOB name=\"CCD1\" size=\"5\" format=\".fits\">\naGVs\nbG8=\n</oneBLOB></setBLOBVector>",
			want: Element{
				Tag:  "setBLOBVector",
				Verb: "set",
				Property: Property{
					Device: "c", Name: "CCD1", Kind: KindBLOB, State: StateOk,
					Values: []Value{{Name: "CCD1", BLOB: []byte("hello"), Format: ".fits"}},
				},
			},
		},
		{
			name:  "delProperty",
			input: `<delProperty device="d" name="CCD1" message="gone"/>`,
			want:  Element{Tag: "delProperty", Property: Property{Device: "d", Name: "CCD1"}, Message: "gone"},
		},
		{
			name:  "unknown element skipped",
			input: `<pingRequest uid="1"><x/></pingRequest><message device="d" message="hi"/>`,
			want:  Element{Tag: "message", Property: Property{Device: "d"}, Message: "hi"},
		},
		{
			name:  "enableBLOB",
			input: `<enableBLOB device="c" name="CCD1">Also</enableBLOB>`,
			want:  Element{Tag: "enableBLOB", Property: Property{Device: "c", Name: "CCD1"}, BLOBMode: BLOBAlso},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := NewDecoder(strings.NewReader(test.input)).Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if diff := cmp.Diff(got, test.want); diff != "" {
				t.Errorf("unexpected element: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestDecoderMalformed(t *testing.T) {
	d := NewDecoder(strings.NewReader(`<setNumberVector device="d" name="N"><oneNumber name="X">abc</oneNumber></setNumberVector><message message="after"/>`))
	if _, err := d.Next(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Next error = %v, want %v", err, ErrMalformed)
	}
	el, err := d.Next()
	if err != nil || el.Message != "after" {
		t.Errorf("Next after malformed = %+v, %v; want message", el, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next at end = %v, want EOF", err)
	}
}

func TestEncodeVectorRoundTrip(t *testing.T) {
	p := Property{
		Device: "d", Name: "N", Kind: KindNumber, State: StateAlert,
		Values: []Value{Number("RA", 5.5), Number("DEC", -20.125)},
	}
	data, err := EncodeVector("set", p)
	if err != nil {
		t.Fatal(err)
	}
	el, err := NewDecoder(strings.NewReader(string(data))).Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(el.Property, p); diff != "" {
		t.Errorf("unexpected property: got(-)/want(+):\n%s", diff)
	}
}

type fakeServer struct {
	t    *testing.T
	conn net.Conn
	recv chan Element
}

func (fs *fakeServer) send(verb string, p Property) {
	fs.t.Helper()
	data, err := EncodeVector(verb, p)
	if err != nil {
		fs.t.Fatal(err)
	}
	fs.write(string(data))
}

func (fs *fakeServer) write(s string) {
	fs.t.Helper()
	if _, err := fs.conn.Write([]byte(s)); err != nil {
		fs.t.Fatal(err)
	}
}

func (fs *fakeServer) next() Element {
	fs.t.Helper()
	select {
	case el, ok := <-fs.recv:
		if !ok {
			fs.t.Fatal("connection closed")
		}
		return el
	case <-time.After(time.Second):
		fs.t.Fatal("timed out waiting for client")
	}
	return Element{}
}

func newTestClient(t *testing.T, cb UpdateCallback) (*Client, *fakeServer) {
	t.Helper()
	srv, cli := net.Pipe()
	fs := &fakeServer{t: t, conn: srv, recv: make(chan Element, 16)}
	go func() {
		defer close(fs.recv)
		d := NewDecoder(srv)
		for {
			el, err := d.Next()
			if err != nil {
				return
			}
			fs.recv <- el
		}
	}()
	c, err := NewClient(context.Background(), cli, cb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	if el := fs.next(); el.Tag != "getProperties" {
		t.Fatalf("first element %q, want getProperties", el.Tag)
	}
	return c, fs
}

var coordProperty = Property{
	Device: "scope", Name: "EQUATORIAL_EOD_COORD", Kind: KindNumber, State: StateOk, Perm: "rw",
	Values: []Value{Number("RA", 1), Number("DEC", 2)},
}

func TestPropertyLifecycle(t *testing.T) {
	ctx := context.Background()
	c, fs := newTestClient(t, nil)

	if _, err := c.Get("scope", "EQUATORIAL_EOD_COORD"); !errors.Is(err, ErrNotYetAvailable) {
		t.Fatalf("Get before define = %v, want %v", err, ErrNotYetAvailable)
	}

	fs.send("def", coordProperty)
	p, err := c.WaitUntilAvailable(ctx, "scope", "EQUATORIAL_EOD_COORD", time.Second)
	if err != nil {
		t.Fatalf("WaitUntilAvailable: %v", err)
	}
	if diff := cmp.Diff(p, coordProperty); diff != "" {
		t.Errorf("unexpected property: got(-)/want(+):\n%s", diff)
	}

	// A partial set merges into the existing snapshot.
	fs.send("set", Property{Device: "scope", Name: "EQUATORIAL_EOD_COORD", Kind: KindNumber, State: StateBusy, Values: []Value{Number("DEC", 3)}})
	p, err = c.WaitUntil(ctx, "scope", "EQUATORIAL_EOD_COORD", time.Second, func(p Property) bool { return p.State == StateBusy })
	if err != nil {
		t.Fatalf("WaitUntil busy: %v", err)
	}
	if ra, _ := p.Number("RA"); ra != 1 {
		t.Errorf("RA = %v after partial set, want 1", ra)
	}
	if dec, _ := p.Number("DEC"); dec != 3 {
		t.Errorf("DEC = %v after partial set, want 3", dec)
	}

	fs.write(`<delProperty device="scope" name="EQUATORIAL_EOD_COORD"/>`)
	never := func(Property) bool { return false }
	if _, err := c.WaitUntil(ctx, "scope", "EQUATORIAL_EOD_COORD", time.Second, never); !errors.Is(err, ErrPropertyDeleted) {
		t.Errorf("WaitUntil after delete = %v, want %v", err, ErrPropertyDeleted)
	}
	if _, err := c.Get("scope", "EQUATORIAL_EOD_COORD"); !errors.Is(err, ErrPropertyDeleted) {
		t.Errorf("Get after delete = %v, want %v", err, ErrPropertyDeleted)
	}

	// Redefinition brings it back.
	fs.send("def", coordProperty)
	if _, err := c.WaitUntilAvailable(ctx, "scope", "EQUATORIAL_EOD_COORD", time.Second); err != nil {
		t.Errorf("WaitUntilAvailable after redefine: %v", err)
	}
}

func TestWaitUntilAvailableTimesOut(t *testing.T) {
	c, _ := newTestClient(t, nil)
	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := c.WaitUntilAvailable(context.Background(), "scope", "missing", timeout)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("WaitUntilAvailable = %v, want %v", err, ErrTimedOut)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
}

func TestWaitUntilAvailableWakes(t *testing.T) {
	c, fs := newTestClient(t, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		data, _ := EncodeVector("def", coordProperty)
		fs.conn.Write(data)
	}()
	if _, err := c.WaitUntilAvailable(context.Background(), "scope", "EQUATORIAL_EOD_COORD", 5*time.Second); err != nil {
		t.Fatalf("WaitUntilAvailable: %v", err)
	}
}

func TestSet(t *testing.T) {
	c, fs := newTestClient(t, nil)
	if err := c.Set("scope", "EQUATORIAL_EOD_COORD", Number("RA", 5)); !errors.Is(err, ErrNotYetAvailable) {
		t.Fatalf("Set before define = %v, want %v", err, ErrNotYetAvailable)
	}
	fs.send("def", coordProperty)
	if _, err := c.WaitUntilAvailable(context.Background(), "scope", "EQUATORIAL_EOD_COORD", time.Second); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Set("scope", "EQUATORIAL_EOD_COORD", Number("RA", 5), Number("DEC", 6)) }()
	el := fs.next()
	if err := <-done; err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := Element{
		Tag:  "newNumberVector",
		Verb: "new",
		Property: Property{
			Device: "scope", Name: "EQUATORIAL_EOD_COORD", Kind: KindNumber,
			Values: []Value{Number("RA", 5), Number("DEC", 6)},
		},
	}
	if diff := cmp.Diff(el, want); diff != "" {
		t.Errorf("unexpected request: got(-)/want(+):\n%s", diff)
	}

	p, err := c.Get("scope", "EQUATORIAL_EOD_COORD")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateBusy {
		t.Errorf("state after Set = %v, want Busy", p.State)
	}
}

func TestSetReadOnly(t *testing.T) {
	c, fs := newTestClient(t, nil)
	fs.send("def", Property{Device: "ccd", Name: "CCD1", Kind: KindBLOB, Perm: "ro"})
	if _, err := c.WaitUntilAvailable(context.Background(), "ccd", "CCD1", time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("ccd", "CCD1", Value{Name: "CCD1"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set = %v, want %v", err, ErrReadOnly)
	}
}

func TestUpdateCallback(t *testing.T) {
	updates := make(chan Property, 4)
	_, fs := newTestClient(t, func(p Property) { updates <- p })
	fs.send("def", coordProperty)
	select {
	case p := <-updates:
		if diff := cmp.Diff(p, coordProperty); diff != "" {
			t.Errorf("unexpected update: got(-)/want(+):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestDisconnect(t *testing.T) {
	c, fs := newTestClient(t, nil)
	fs.send("def", coordProperty)
	if _, err := c.WaitUntilAvailable(context.Background(), "scope", "EQUATORIAL_EOD_COORD", time.Second); err != nil {
		t.Fatal(err)
	}
	fs.conn.Close()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice disconnect")
	}
	if _, err := c.Get("scope", "EQUATORIAL_EOD_COORD"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Get after disconnect = %v, want %v", err, ErrDisconnected)
	}
	if _, err := c.WaitUntilAvailable(context.Background(), "scope", "other", time.Second); !errors.Is(err, ErrDisconnected) {
		t.Errorf("WaitUntilAvailable after disconnect = %v, want %v", err, ErrDisconnected)
	}
}

func TestConnectDevice(t *testing.T) {
	c, fs := newTestClient(t, nil)
	conn := Property{
		Device: "scope", Name: "CONNECTION", Kind: KindSwitch, State: StateIdle, Perm: "rw",
		Values: []Value{Switch("CONNECT", false), Switch("DISCONNECT", true)},
	}
	fs.send("def", conn)
	go func() {
		el := <-fs.recv
		if on, _ := el.Property.Switch("CONNECT"); on {
			conn.State = StateOk
			conn.Values = []Value{Switch("CONNECT", true), Switch("DISCONNECT", false)}
			data, _ := EncodeVector("set", conn)
			fs.conn.Write(data)
		}
	}()
	if err := c.ConnectDevice(context.Background(), "scope", time.Second); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
}
