package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"

	"github.com/jlaffaye/ftp"
)

const defaultFTPPort = "21"

type ftpConn struct {
	c *ftp.ServerConn
}

func dialFTP(ctx context.Context, d Destination, opts Options) (*ftpConn, error) {
	addr := withDefaultPort(d.Host, defaultFTPPort)
	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, ftp.DialWithTimeout(opts.Timeout))
	}

	c, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ftp://%s: %w", addr, err)
	}

	user, password := opts.User, opts.Password
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	if err := c.Login(user, password); err != nil {
		c.Quit()
		return nil, fmt.Errorf("ftp login as %q failed: %w", user, err)
	}
	return &ftpConn{c: c}, nil
}

func (f *ftpConn) list(dir string) ([]remoteEntry, error) {
	entries, err := f.c.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]remoteEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case ftp.EntryTypeFolder:
			out = append(out, remoteEntry{name: e.Name, isDir: true})
		case ftp.EntryTypeFile:
			out = append(out, remoteEntry{name: e.Name})
		}
	}
	return out, nil
}

func (f *ftpConn) mkdir(dir string) error          { return f.c.MakeDir(dir) }
func (f *ftpConn) put(p string, r io.Reader) error { return f.c.Stor(p, r) }
func (f *ftpConn) remove(p string) error           { return f.c.Delete(p) }
func (f *ftpConn) rmdir(dir string) error          { return f.c.RemoveDir(dir) }
func (f *ftpConn) removeAll(dir string) error      { return f.c.RemoveDirRecur(dir) }
func (f *ftpConn) rename(from, to string) error    { return f.c.Rename(from, to) }
func (f *ftpConn) close() error                    { return f.c.Quit() }

// notExist matches reply 550, which servers send both for missing paths
// and for paths the user may not see.
func (f *ftpConn) notExist(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// broken treats every failure that is not a regular server reply as fatal
// for the control connection, as is reply 421.
func (f *ftpConn) broken(err error) bool {
	if err == nil {
		return false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code == ftp.StatusNotAvailable
	}
	return true
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
