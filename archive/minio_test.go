package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/platesolve/camera"
	"github.com/w1xm/platesolve/solver"
)

type upload struct {
	Key  string
	Data string
	Meta map[string]string
}

func TestRun(t *testing.T) {
	a := newArchive(Options{Prefix: "failed/"})
	uploads := make(chan upload, 10)
	a.put = func(ctx context.Context, key string, data []byte, meta map[string]string) error {
		uploads <- upload{key, string(data), meta}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	taken := time.Date(2024, 3, 1, 4, 5, 6, 7e6, time.UTC)
	a.Failed(camera.Image{Data: []byte("frame"), Format: ".fits", Time: taken}, solver.ErrNoMatch)

	select {
	case got := <-uploads:
		want := upload{
			Key:  "failed/20240301T040506.007Z.fits",
			Data: "frame",
			Meta: map[string]string{"solve-error": solver.ErrNoMatch.Error()},
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("unexpected upload: got(-)/want(+):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame not uploaded")
	}
}

func TestFailedNeverBlocks(t *testing.T) {
	a := newArchive(Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*cap(a.frames); i++ {
			a.Failed(camera.Image{Data: []byte{byte(i)}}, errors.New("timeout"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Failed blocked with no uploader running")
	}
	if len(a.frames) != cap(a.frames) {
		t.Errorf("queued %d frames, want %d", len(a.frames), cap(a.frames))
	}
}
