package connection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 16

// ErrAllocation is matched by every AllocationError via errors.Is.
var ErrAllocation = errors.New("endpoint allocation failed")

// AllocationError reports that no free set of endpoints could be claimed.
type AllocationError struct {
	Transport Transport
	Attempts  int
	Err       error
}

func (e *AllocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("allocate %s endpoints: gave up after %d attempts", e.Transport, e.Attempts)
	}
	return fmt.Sprintf("allocate %s endpoints: gave up after %d attempts: %v", e.Transport, e.Attempts, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// BindOptions controls endpoint allocation.
type BindOptions struct {
	Transport Transport
	// IP is the interface for TCP endpoints. For IPC it is the base name of
	// the socket path prefix; a random token is always appended.
	IP string
	// RuntimeDir holds IPC socket paths. Defaults to os.TempDir().
	RuntimeDir      string
	Key             string
	SignatureScheme string
	KernelName      string
}

// Binder allocates connection descriptors whose endpoints do not collide with
// any other descriptor handed out and not yet released, by this Binder or by
// any other on the host. Port selection relies on the OS port table and
// exclusive file creation rather than a global lock, so independent processes
// on one host can allocate concurrently.
type Binder struct {
	maxAttempts int
	claimDir    string
	listen      func(network, address string) (net.Listener, error)
	newToken    func() string

	mu       sync.Mutex
	reserved map[string]struct{}
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithMaxAttempts bounds the number of candidates tried before giving up.
func WithMaxAttempts(n int) BinderOption {
	return func(b *Binder) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithPortClaimDir sets the directory holding TCP port claims. Binders only
// see each other's claims when they share it.
func WithPortClaimDir(dir string) BinderOption {
	return func(b *Binder) {
		if dir != "" {
			b.claimDir = dir
		}
	}
}

// DefaultPortClaimDir is shared by every Binder on the host unless
// WithPortClaimDir overrides it.
func DefaultPortClaimDir() string {
	return filepath.Join(os.TempDir(), "kernelsup-ports")
}

// NewBinder constructs a Binder with its own reservation table.
func NewBinder(opts ...BinderOption) *Binder {
	b := &Binder{
		maxAttempts: defaultMaxAttempts,
		claimDir:    DefaultPortClaimDir(),
		listen:      net.Listen,
		newToken:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
		reserved:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var defaultBinder = NewBinder()

// DefaultBinder returns the process-wide binder shared by supervisors that do
// not supply their own.
func DefaultBinder() *Binder {
	return defaultBinder
}

// Allocate claims five endpoints and returns the resulting descriptor.
func (b *Binder) Allocate(ctx context.Context, opts BindOptions) (Info, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	transport := opts.Transport
	if transport == "" {
		transport = TransportTCP
	}

	info := Info{
		Transport:       transport,
		Key:             opts.Key,
		SignatureScheme: opts.SignatureScheme,
		KernelName:      opts.KernelName,
	}
	if info.Key == "" {
		info.Key = uuid.NewString()
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = DefaultSignatureScheme
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Info{}, &AllocationError{Transport: transport, Attempts: attempt - 1, Err: err}
		}

		var err error
		switch transport {
		case TransportTCP:
			err = b.claimTCP(&info, opts.IP)
		case TransportIPC:
			err = b.claimIPC(&info, opts)
		default:
			return Info{}, &AllocationError{Transport: transport, Err: fmt.Errorf("unknown transport %q", transport)}
		}
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, errConflict) {
			lastErr = err
			if !isRetryable(err) {
				return Info{}, &AllocationError{Transport: transport, Attempts: attempt, Err: err}
			}
			continue
		}
		lastErr = err
	}
	return Info{}, &AllocationError{Transport: transport, Attempts: b.maxAttempts, Err: lastErr}
}

var errConflict = errors.New("endpoint already reserved")

// claimTCP binds all five listeners at once so the OS guarantees the ports are
// distinct, then claims them host-wide before releasing the sockets for the
// kernel. Between that release and the kernel's own bind the OS may hand the
// same ports to another process; the claim files are what keep another
// Binder from using them.
func (b *Binder) claimTCP(info *Info, ip string) error {
	if ip == "" {
		ip = DefaultIP
	}
	listeners := make([]net.Listener, 0, len(Roles))
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	ports := make([]int, 0, len(Roles))
	for range Roles {
		ln, err := b.listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return fmt.Errorf("bind %s: %w", ip, err)
		}
		listeners = append(listeners, ln)
		addr, ok := ln.Addr().(*net.TCPAddr)
		if !ok {
			return fmt.Errorf("unexpected listener address %T", ln.Addr())
		}
		ports = append(ports, addr.Port)
	}

	keys := make([]string, len(ports))
	for i, port := range ports {
		keys[i] = net.JoinHostPort(ip, strconv.Itoa(port))
	}
	if !b.reserve(keys) {
		return errConflict
	}
	if err := b.claimPorts(keys); err != nil {
		b.unreserve(keys)
		return err
	}

	info.IP = ip
	for i, role := range Roles {
		info.setPort(role, ports[i])
	}
	return nil
}

// claimIPC picks a random prefix and claims each socket path with an
// exclusive create. A path that already exists means another allocator owns
// it; the whole prefix is abandoned and a new one tried.
func (b *Binder) claimIPC(info *Info, opts BindOptions) error {
	dir := opts.RuntimeDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	base := opts.IP
	if base == "" {
		base = "kernel"
	}
	prefix := filepath.Join(dir, base+"-"+b.newToken())

	claimed := make([]string, 0, len(Roles))
	release := func() {
		for _, path := range claimed {
			os.Remove(path)
		}
	}
	for i := range Roles {
		path := ipcPath(prefix, i+1)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			release()
			if errors.Is(err, fs.ErrExist) {
				return errConflict
			}
			return fmt.Errorf("claim %s: %w", path, err)
		}
		f.Close()
		claimed = append(claimed, path)
	}
	if !b.reserve(claimed) {
		release()
		return errConflict
	}

	info.IP = prefix
	for i, role := range Roles {
		info.setPort(role, i+1)
	}
	return nil
}

func (b *Binder) reserve(keys []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		if _, taken := b.reserved[key]; taken {
			return false
		}
	}
	for _, key := range keys {
		b.reserved[key] = struct{}{}
	}
	return true
}

func (b *Binder) unreserve(keys []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.reserved, key)
	}
}

// claimPorts creates one claim file per address with an exclusive create.
// A claim left by a process that no longer exists is taken over. Any claim
// held elsewhere abandons the whole set.
func (b *Binder) claimPorts(addrs []string) error {
	if _, err := os.Stat(b.claimDir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(b.claimDir, 0o777); err != nil {
			return fmt.Errorf("create port claim dir: %w", err)
		}
		// Shared by every user's supervisors, like the temp dir itself.
		_ = os.Chmod(b.claimDir, os.ModeSticky|0o777)
	}
	claimed := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		path := b.claimPath(addr)
		err := createClaim(path)
		if errors.Is(err, fs.ErrExist) && claimIsStale(path) {
			_ = os.Remove(path)
			err = createClaim(path)
		}
		if err != nil {
			for _, done := range claimed {
				_ = os.Remove(done)
			}
			if errors.Is(err, fs.ErrExist) {
				return errConflict
			}
			return fmt.Errorf("claim %s: %w", addr, err)
		}
		claimed = append(claimed, path)
	}
	return nil
}

func (b *Binder) claimPath(addr string) string {
	return filepath.Join(b.claimDir, strings.NewReplacer(":", "_", "[", "", "]", "", "%", "_").Replace(addr))
}

func createClaim(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
	}
	return werr
}

// claimIsStale reports whether the claim at path names a process that has
// exited. Unreadable claims are treated as live.
func claimIsStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	return !processAlive(pid)
}

// Release returns the endpoints of info to the pool. IPC placeholder files,
// any sockets left behind by the kernel and this Binder's TCP port claims are
// removed. Releasing an unknown or already released descriptor is a no-op.
func (b *Binder) Release(info Info) {
	var owned []string
	b.mu.Lock()
	for _, role := range Roles {
		_, addr := info.Address(role)
		if _, ok := b.reserved[addr]; ok {
			owned = append(owned, addr)
			delete(b.reserved, addr)
		}
	}
	b.mu.Unlock()

	if info.Transport == TransportTCP {
		for _, addr := range owned {
			_ = os.Remove(b.claimPath(addr))
		}
	}
	if info.Transport == TransportIPC {
		for _, role := range Roles {
			_, path := info.Address(role)
			_ = os.Remove(path)
		}
	}
}

// Reserved reports how many endpoints are currently held.
func (b *Binder) Reserved() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reserved)
}

func isRetryable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}
