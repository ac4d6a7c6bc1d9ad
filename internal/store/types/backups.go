package types

// BackupDefinition is a saved backup target. Items are module names handled
// by the registry; Storage ids are opaque to this service.
type BackupDefinition struct {
	ID                string   `json:"id"`
	Name              string   `json:"backup_name" validate:"required,max=128"`
	Description       string   `json:"backup_description" validate:"max=1024"`
	Items             []string `json:"backup_items" validate:"dive,required"`
	Storage           []string `json:"backup_storage" validate:"dive,required"`
	Schedule          string   `json:"schedule_cron"`
	ScheduleEnabled   bool     `json:"schedule_enabled"`
	MaintAge          int      `json:"maintage" validate:"gte=0"`
	MaintRuns         int      `json:"maintruns" validate:"gte=0"`
	Email             string   `json:"backup_email" validate:"omitempty,email"`
	EmailType         string   `json:"backup_emailtype" validate:"omitempty,oneof=both success failure"`
	WarmSpareEnabled  bool     `json:"warmspareenabled"`
	WarmSpareUser     string   `json:"warmspareuser"`
	WarmSpareRemoteIP string   `json:"warmspare_remoteip" validate:"omitempty,ip"`

	LastTransaction string `json:"last_transaction"`
	LastStatus      string `json:"last_status"`
	LastRunAt       int64  `json:"last_run_at"`

	// ItemsSettings carries per-module settings on save. It is dispatched to
	// the registry and never stored with the definition.
	ItemsSettings map[string]map[string]string `json:"items_settings,omitempty"`
}

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)
