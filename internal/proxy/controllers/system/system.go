//go:build unix

package system

import (
	"net/http"

	"github.com/pbs-plus/pbx-backup/internal/backend/hooks"
	"github.com/pbs-plus/pbx-backup/internal/backend/keys"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
)

// HooksHandler lists the hook queues per phase, or a single phase when the
// phase query parameter is set.
func HooksHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phases := hooks.Phases
		if p := r.URL.Query().Get("phase"); p != "" {
			phase, err := hooks.ParsePhase(p)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			phases = []hooks.Phase{phase}
		}

		queues := make(map[hooks.Phase][]string, len(phases))
		for _, phase := range phases {
			queue, err := b.Hooks.Collect(phase)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			if queue == nil {
				queue = []string{}
			}
			queues[phase] = queue
		}
		controllers.WriteData(w, queues)
	}
}

func GenerateKeyHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair, err := keys.Generate(b.KeyDir)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteData(w, pair)
	}
}
