package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSession applies file operations directly, without elevation.
type fakeSession struct {
	mu        sync.Mutex
	ran       [][]string
	removeErr map[string]error
	released  int
}

func (s *fakeSession) InstallFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return s.WriteFile(ctx, dst, data, mode)
}

func (s *fakeSession) WriteFile(_ context.Context, dst string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

func (s *fakeSession) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	err := s.removeErr[path]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fakeSession) Run(_ context.Context, argv ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, argv)
	return nil
}

func (s *fakeSession) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *fakeSession) failRemove(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr == nil {
		s.removeErr = map[string]error{}
	}
	s.removeErr[path] = err
}

func (s *fakeSession) clearRemoveFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeErr = nil
}

type fakeAuthorizer struct {
	session *fakeSession
	deny    error
	calls   int
	reasons []string
}

func (a *fakeAuthorizer) Authorize(_ context.Context, reason string) (Session, error) {
	a.calls++
	a.reasons = append(a.reasons, reason)
	if a.deny != nil {
		return nil, a.deny
	}
	return a.session, nil
}

// fakeRegistrar renders a plain-text descriptor and records lifecycle calls.
type fakeRegistrar struct {
	mu          sync.Mutex
	calls       []string
	registerErr error
	stopErr     error
}

func (r *fakeRegistrar) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRegistrar) Name() string { return "fake" }

func (r *fakeRegistrar) Descriptor(rec Record) ([]byte, error) {
	return []byte("service " + rec.Identifier + "\n"), nil
}

func (r *fakeRegistrar) Register(context.Context, Session, Record) error {
	r.record("register")
	return r.registerErr
}

func (r *fakeRegistrar) Stop(context.Context, Session, Record) error {
	r.record("stop")
	return r.stopErr
}

func (r *fakeRegistrar) Unregister(context.Context, Session, Record) error {
	r.record("unregister")
	return nil
}

func (r *fakeRegistrar) Reload(context.Context, Session) error {
	r.record("reload")
	return nil
}

func (r *fakeRegistrar) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	installer  *Installer
	authorizer *fakeAuthorizer
	session    *fakeSession
	registrar  *fakeRegistrar
	rec        Record
	source     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	source := filepath.Join(root, "build", "powerrelay")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	rec := Record{
		Identifier:     "io.example.helper",
		BinaryPath:     filepath.Join(root, "libexec", "io.example.helper"),
		DescriptorPath: filepath.Join(root, "units", "io.example.helper.service"),
		ReceiptPath:    filepath.Join(root, "state", "io.example.helper.yaml"),
		Arguments:      []string{"serve"},
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(rec.DescriptorPath), 0o755))

	session := &fakeSession{}
	authorizer := &fakeAuthorizer{session: session}
	registrar := &fakeRegistrar{}

	inst, err := New(Options{
		Record:       rec,
		SourceBinary: source,
		LockPath:     filepath.Join(root, "install.lock"),
		Version:      "v1.2.3",
		Authorizer:   authorizer,
		Registrar:    registrar,
	})
	require.NoError(t, err)

	return &fixture{
		installer:  inst,
		authorizer: authorizer,
		session:    session,
		registrar:  registrar,
		rec:        rec,
		source:     source,
	}
}
