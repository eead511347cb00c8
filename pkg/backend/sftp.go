package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPPort = "22"

type sftpConn struct {
	ssh    *ssh.Client
	client *sftp.Client
}

func dialSFTP(ctx context.Context, d Destination, opts Options) (*sftpConn, error) {
	addr := withDefaultPort(d.Host, defaultSFTPPort)

	hostKeyCallback, err := sftpHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.Password(opts.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}

	dialer := net.Dialer{Timeout: opts.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sftp://%s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp session on %s: %w", addr, err)
	}
	return &sftpConn{ssh: sshClient, client: client}, nil
}

func sftpHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := opts.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no known_hosts file configured and no home directory: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts from %s: %w", file, err)
	}
	return cb, nil
}

func (s *sftpConn) list(dir string) ([]remoteEntry, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]remoteEntry, 0, len(infos))
	for _, info := range infos {
		switch {
		case info.IsDir():
			out = append(out, remoteEntry{name: info.Name(), isDir: true})
		case info.Mode().IsRegular():
			out = append(out, remoteEntry{name: info.Name()})
		}
	}
	return out, nil
}

func (s *sftpConn) mkdir(dir string) error { return s.client.Mkdir(dir) }

func (s *sftpConn) put(p string, r io.Reader) error {
	f, err := s.client.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *sftpConn) remove(p string) error        { return s.client.Remove(p) }
func (s *sftpConn) rmdir(dir string) error       { return s.client.RemoveDirectory(dir) }
func (s *sftpConn) rename(from, to string) error { return s.client.Rename(from, to) }

// removeAll walks the tree, removes files first and then the directories
// deepest first.
func (s *sftpConn) removeAll(dir string) error {
	walker := s.client.Walk(dir)
	var files, dirs []string
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if s.notExist(err) {
				continue
			}
			return err
		}
		if walker.Stat().IsDir() {
			dirs = append([]string{walker.Path()}, dirs...)
		} else {
			files = append(files, walker.Path())
		}
	}
	for _, f := range files {
		if err := s.client.Remove(f); err != nil && !s.notExist(err) {
			return err
		}
	}
	for _, d := range dirs {
		if err := s.client.RemoveDirectory(d); err != nil && !s.notExist(err) {
			return err
		}
	}
	return nil
}

func (s *sftpConn) close() error {
	err := s.client.Close()
	if sshErr := s.ssh.Close(); err == nil {
		err = sshErr
	}
	return err
}

func (s *sftpConn) notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

func (s *sftpConn) broken(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
