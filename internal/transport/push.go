package transport

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const partSuffix = ".part"

// StagedFile is a file fully present on the device. Only a completed push
// produces one.
type StagedFile struct {
	Name       string
	LocalPath  string
	RemotePath string
	Size       int64
}

// PushFile copies a local file to remote.
func (c *Client) PushFile(ctx context.Context, local, remote string) (StagedFile, error) {
	f, err := os.Open(local)
	if err != nil {
		return StagedFile{}, &Error{Op: "push", Serial: c.serial, Kind: KindRejected,
			Err: errors.Wrapf(err, "open %s", local)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return StagedFile{}, &Error{Op: "push", Serial: c.serial, Kind: KindRejected,
			Err: errors.Wrapf(err, "stat %s", local)}
	}
	if err := c.PushBytes(ctx, f, info.Size(), remote); err != nil {
		return StagedFile{}, err
	}
	return StagedFile{
		Name:       path.Base(local),
		LocalPath:  local,
		RemotePath: remote,
		Size:       info.Size(),
	}, nil
}

// PushBytes copies size bytes from r to remote.
func (c *Client) PushBytes(ctx context.Context, r io.Reader, size int64, remote string) error {
	release, err := c.lock(ctx, "push")
	if err != nil {
		return err
	}
	defer release()
	return c.pushLocked(ctx, r, size, remote)
}

// pushLocked writes remote+".part", verifies its size and renames it into
// place. The final path only ever names a complete copy.
func (c *Client) pushLocked(ctx context.Context, r io.Reader, size int64, remote string) error {
	if strings.TrimSpace(remote) == "" {
		return &Error{Op: "push", Serial: c.serial, Kind: KindRejected, Err: errors.New("empty remote path")}
	}
	part := remote + partSuffix
	start := time.Now()

	if _, err := c.shell(ctx, "push", "mkdir -p "+QuoteArg(path.Dir(remote))); err != nil {
		return err
	}
	err := c.call(ctx, "push", func() error {
		return c.dev.Push(r, part, time.Now(), 0o644)
	}, func(error) {
		// the transfer outlived its deadline; drop whatever it wrote
		_, _ = c.dev.RunShellCommand("rm -f " + QuoteArg(part))
	})
	if err == nil {
		err = c.finishPush(ctx, part, remote, size)
	}
	if err != nil {
		c.discard(part)
		log.Warn().Err(err).Str("serial", c.serial).Str("remote", remote).Msg("transport: push failed")
		return err
	}
	log.Debug().Str("serial", c.serial).Str("remote", remote).
		Str("size", humanize.Bytes(uint64(size))).Dur("elapsed", time.Since(start)).
		Msg("transport: pushed")
	return nil
}

func (c *Client) finishPush(ctx context.Context, part, remote string, size int64) error {
	out, err := c.shell(ctx, "push", "stat -c %s "+QuoteArg(part))
	if err != nil {
		return err
	}
	got, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if convErr != nil || (size >= 0 && got != size) {
		return &Error{Op: "push", Serial: c.serial, Kind: KindRejected,
			Err: errors.Errorf("short write: remote has %q, want %d bytes", strings.TrimSpace(out), size)}
	}
	out, err = c.shell(ctx, "push", "mv -f "+QuoteArg(part)+" "+QuoteArg(remote))
	if err != nil {
		return err
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return &Error{Op: "push", Serial: c.serial, Kind: KindRejected, Err: errors.New(msg)}
	}
	return nil
}

// discard removes a partial file without waiting on a wedged device.
func (c *Client) discard(part string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.dev.RunShellCommand("rm -f " + QuoteArg(part))
	}()
	select {
	case <-done:
	case <-time.After(c.timeout):
		h := c.current()
		h.add()
		go func() {
			defer h.done()
			<-done
		}()
	}
}
