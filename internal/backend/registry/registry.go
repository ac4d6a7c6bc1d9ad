package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrUnknownModule = errors.New("unknown module")

// Handler is the contract every module taking part in backups fulfils.
type Handler interface {
	ListBackupSettings(ctx context.Context, backupID string) (map[string]string, error)
	ProcessBackupSettings(ctx context.Context, backupID string, settings map[string]string) error
}

// ModuleWriter receives exported module payloads. archive.Writer satisfies
// it.
type ModuleWriter interface {
	AddBytes(module, name string, data []byte) error
	AddFile(module, name, src string) error
}

type Exporter interface {
	Export(ctx context.Context, backupID string, w ModuleWriter) error
}

// Importer restores a module from the directory its payload was extracted
// to.
type Importer interface {
	Import(ctx context.Context, dir string) error
}

type Versioned interface {
	Version() string
}

// Registry maps module ids to handlers. It is filled once at startup.
type Registry struct {
	handlers *xsync.MapOf[string, Handler]
}

func New() *Registry {
	return &Registry{handlers: xsync.NewMapOf[string, Handler]()}
}

func key(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}

func (r *Registry) Register(module string, h Handler) {
	r.handlers.Store(key(module), h)
}

func (r *Registry) Get(module string) (Handler, error) {
	h, ok := r.handlers.Load(key(module))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	return h, nil
}

func (r *Registry) Has(module string) bool {
	_, ok := r.handlers.Load(key(module))
	return ok
}

// Modules returns the registered ids in sorted order.
func (r *Registry) Modules() []string {
	modules := []string{}
	r.handlers.Range(func(id string, _ Handler) bool {
		modules = append(modules, id)
		return true
	})
	sort.Strings(modules)
	return modules
}

func (r *Registry) Version(module string) string {
	h, err := r.Get(module)
	if err != nil {
		return ""
	}
	if v, ok := h.(Versioned); ok {
		return v.Version()
	}
	return ""
}

// ListBackupSettings collects the settings every module keeps for backupID.
func (r *Registry) ListBackupSettings(ctx context.Context, backupID string) (map[string]map[string]string, error) {
	all := make(map[string]map[string]string)
	for _, module := range r.Modules() {
		h, _ := r.handlers.Load(module)
		settings, err := h.ListBackupSettings(ctx, backupID)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s settings: %w", module, err)
		}
		all[module] = settings
	}
	return all, nil
}

// ProcessBackupSettings hands each module its part of settings. Modules
// without an entry are not called.
func (r *Registry) ProcessBackupSettings(ctx context.Context, backupID string, settings map[string]map[string]string) error {
	modules := make([]string, 0, len(settings))
	for module := range settings {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var errs []error
	for _, module := range modules {
		h, err := r.Get(module)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.ProcessBackupSettings(ctx, backupID, settings[module]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", module, err))
		}
	}
	return errors.Join(errs...)
}
