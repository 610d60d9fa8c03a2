package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

// ServiceView is one entry of /admin/services.
type ServiceView struct {
	ID        uint32 `json:"id"`
	GSV       string `json:"gsv"`
	Group     string `json:"group,omitempty"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Instances int    `json:"instances"`
}

// InstanceView is one entry of /admin/instances.
type InstanceView struct {
	ID          uint32            `json:"id"`
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	IP          string            `json:"ip,omitempty"`
	Weight      int               `json:"weight"`
	Status      string            `json:"status"`
	Subject     string            `json:"subject,omitempty"`
	ConnectedAt time.Time         `json:"connectedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Services    []string          `json:"services"`
}

// Counts is the body of /admin/counts.
type Counts struct {
	Services  int            `json:"services"`
	Instances int            `json:"instances"`
	Providers map[string]int `json:"providers"`
	Brokers   []string       `json:"brokers,omitempty"`
}

// AdminHandler serves read-only registry queries under /admin/. brokers may
// be nil.
func AdminHandler(reg *registry.Registry, brokers func() []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/services", func(w http.ResponseWriter, r *http.Request) {
		locs := reg.AllServices()
		out := make([]ServiceView, 0, len(locs))
		for _, loc := range locs {
			out = append(out, ServiceView{
				ID:        loc.ID(),
				GSV:       loc.GSV(),
				Group:     loc.Group,
				Service:   loc.Service,
				Version:   loc.Version,
				Instances: reg.CountInstanceIDs(loc.ID()),
			})
		}
		writeJSON(w, r, out)
	})

	mux.HandleFunc("/admin/instances", func(w http.ResponseWriter, r *http.Request) {
		instances := reg.Instances()
		if name := r.URL.Query().Get("name"); name != "" {
			instances = reg.InstancesByName(name)
		}
		out := make([]InstanceView, 0, len(instances))
		for _, inst := range instances {
			services := []string{}
			for _, loc := range reg.ServicesOf(inst.ID) {
				services = append(services, loc.GSV())
			}
			out = append(out, InstanceView{
				ID:          inst.ID,
				UUID:        inst.UUID,
				Name:        inst.Name,
				IP:          inst.IP,
				Weight:      inst.Weight,
				Status:      inst.Status().String(),
				Subject:     inst.Subject(),
				ConnectedAt: inst.ConnectedAt,
				Metadata:    inst.Metadata,
				Services:    services,
			})
		}
		writeJSON(w, r, out)
	})

	mux.HandleFunc("/admin/counts", func(w http.ResponseWriter, r *http.Request) {
		providers := reg.ServiceCounts()
		c := Counts{
			Services:  len(providers),
			Instances: len(reg.Instances()),
			Providers: providers,
		}
		if brokers != nil {
			c.Brokers = brokers()
		}
		writeJSON(w, r, c)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
