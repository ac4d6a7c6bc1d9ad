package archive

import (
	"errors"
	"time"
)

type Kind string

const (
	KindCurrent Kind = "current"
	KindLegacy  Kind = "legacy"
)

const (
	ManifestDir  = "modulejson"
	ManifestPath = ManifestDir + "/manifest.json"
	ModulesDir   = "modules"
)

// Manifest describes a current-format archive.
type Manifest struct {
	Kind        Kind           `json:"kind"`
	Date        int64          `json:"date"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	BackupID    string         `json:"backupid,omitempty"`
	Transaction string         `json:"transaction,omitempty"`
	Framework   string         `json:"framework,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Modules     []ModuleEntry  `json:"modules"`
	Meta        map[string]any `json:"meta,omitempty"`
}

type ModuleEntry struct {
	Module  string `json:"module"`
	Version string `json:"version"`
}

// validate rejects manifests that decoded without error but lack the fields
// every writer records, such as a bare null or {}.
func (m *Manifest) validate() error {
	switch {
	case m.Date <= 0:
		return errors.New("manifest has no date")
	case m.Modules == nil:
		return errors.New("manifest has no module list")
	}
	return nil
}

func (m *Manifest) Timestamp() time.Time {
	return time.Unix(m.Date, 0)
}

const (
	StatusEnabled  = "Enabled"
	StatusDisabled = "Uninstalled or Disabled"
)

type ModuleStatus struct {
	ModuleName string `json:"modulename"`
	Version    string `json:"version"`
	Installed  string `json:"installed"`
}

// ModuleChecker reports whether a module can currently be restored.
type ModuleChecker interface {
	Has(module string) bool
}

// ModulesFromManifest lists the modules of m with their local availability.
func ModulesFromManifest(m *Manifest, checker ModuleChecker) []ModuleStatus {
	if m == nil {
		return []ModuleStatus{}
	}

	statuses := make([]ModuleStatus, 0, len(m.Modules))
	for _, mod := range m.Modules {
		installed := StatusDisabled
		if checker != nil && checker.Has(mod.Module) {
			installed = StatusEnabled
		}
		statuses = append(statuses, ModuleStatus{
			ModuleName: mod.Module,
			Version:    mod.Version,
			Installed:  installed,
		})
	}
	return statuses
}
