package tcmu

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sheepdog-project/sheepdog-tcmu/sheepdog"
)

// Backend wires a single Sheepdog volume session into a TCMU-backed SCSI
// LUN: open the session, describe it to the kernel, and serve commands
// against it until Close.
type Backend struct {
	Config  Config
	Metrics *Metrics

	// InstanceID distinguishes this process's attachment of the volume
	// in logs from any other attachment attempt across restarts.
	InstanceID string

	session *sheepdog.Session
	device  *Device

	pingStop chan struct{}
	pingDone chan struct{}
}

// NewBackend constructs a Backend from cfg, optionally instrumented with
// m (pass nil to disable metrics).
func NewBackend(cfg Config, m *Metrics) *Backend {
	return &Backend{Config: cfg, Metrics: m, InstanceID: uuid.NewString()}
}

// Open locks the configured Sheepdog volume and attaches it to the
// kernel as a TCMU device, per §6 of the backing-store contract.
func (b *Backend) Open() error {
	sess, err := sheepdog.Open(b.Config.Endpoint, b.Config.Volume)
	if err != nil {
		return pkgerrors.Wrap(err, "backend: open session")
	}
	if b.Metrics != nil {
		sess.OnReload = b.Metrics.ReloadsTotal.Inc
	}
	b.session = sess

	stat, err := sess.Stat()
	if err != nil {
		sess.Close()
		return pkgerrors.Wrap(err, "backend: stat")
	}

	handler := &SCSIHandler{
		HBA:        b.Config.HBA,
		LUN:        b.Config.LUN,
		WWN:        NaaWWN{OUI: "000000", VendorID: GenerateSerial(b.Config.Volume)},
		VolumeName: b.Config.Volume,
		DataSizes: DataSizes{
			VolumeSize: int64(stat.VdiSize),
			BlockSize:  int64(1) << stat.BlockSzShift,
		},
		DevReady: MultiThreadedDevReady(ReadWriterAtCmdHandler{
			RW:      sess,
			Inq:     &defaultInquiry,
			Metrics: b.Metrics,
		}, b.Config.Threads),
	}

	dev, err := OpenTCMUDevice(b.Config.DevPath, handler)
	if err != nil {
		sess.Close()
		return pkgerrors.Wrap(err, "backend: open tcmu device")
	}
	b.device = dev

	logrus.WithFields(logrus.Fields{
		"volume":   b.Config.Volume,
		"dev":      b.Config.DevPath,
		"size":     stat.VdiSize,
		"instance": b.InstanceID,
	}).Info("backend: volume attached")

	if b.Config.PingInterval > 0 {
		b.pingStop = make(chan struct{})
		b.pingDone = make(chan struct{})
		go b.pingLoop()
	}
	return nil
}

// pingLoop issues Session.Ping on Config.PingInterval until Close stops
// it, purely to detect a dead Sheepdog node between real IO; a failure is
// logged, not fatal, since the next real read/write will surface the same
// failure through the normal error path.
func (b *Backend) pingLoop() {
	defer close(b.pingDone)
	ticker := time.NewTicker(b.Config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.session.Ping(); err != nil {
				logrus.WithError(err).Warn("backend: ping failed")
			}
		case <-b.pingStop:
			return
		}
	}
}

// Sync flushes the volume's inode object, independent of any pending
// SYNCHRONIZE CACHE command from the kernel.
func (b *Backend) Sync() error {
	if b.session == nil {
		return pkgerrors.New("backend: not open")
	}
	return b.session.Sync()
}

// Close detaches the device from the kernel and releases the volume's
// Sheepdog lock. Safe to call after a failed Open.
func (b *Backend) Close() error {
	if b.pingStop != nil {
		close(b.pingStop)
		<-b.pingDone
	}
	var firstErr error
	if b.device != nil {
		if err := b.device.Close(); err != nil {
			firstErr = err
		}
	}
	if b.session != nil {
		if err := b.session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry holds the set of backends a single sheepdogtcmu process has
// attached, keyed by volume name, replacing the teacher's implicit
// one-handler-per-binary model with an explicit registry that can host
// several exported volumes in one process.
type Registry struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Init is a no-op hook kept for symmetry with Exit; a Registry needs no
// setup before its first RegisterInto call.
func (r *Registry) Init() error { return nil }

// RegisterInto opens b and, on success, adds it to the registry keyed by
// its configured volume name.
func (r *Registry) RegisterInto(b *Backend) error {
	if err := b.Open(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Config.Volume] = b
	return nil
}

// Submit runs fn against the backend registered for volume.
func (r *Registry) Submit(volume string, fn func(*Backend) error) error {
	r.mu.Lock()
	b, ok := r.backends[volume]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend: no such volume %q", volume)
	}
	return fn(b)
}

// Exit closes every registered backend and empties the registry.
func (r *Registry) Exit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.backends, name)
	}
	return firstErr
}
