// Package identity implements the Console-side half of the Comet agent
// hello handshake (spec.md §4.B): resolving (namespace, mac_addr, ip,
// ...) to a stable instance_id and marking the instance online.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/internal/console/store"
	"github.com/jiascheduler/jiascheduler/pkg/model"
	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// Resolver implements resolve_identity against the durable store.
type Resolver struct {
	st store.Store
}

func NewResolver(st store.Store) *Resolver {
	return &Resolver{st: st}
}

// Resolve finds or creates the Instance for hello, by (mac_addr, ip)
// which spec.md §3 declares unique, and marks it online.
func (r *Resolver) Resolve(ctx context.Context, hello protocol.HelloPayload) (instanceID string, err error) {
	inst := &model.Instance{
		InstanceID: uuid.NewString(),
		IP:         hello.IP,
		MacAddr:    hello.MacAddr,
		Namespace:  hello.Namespace,
		Status:     model.InstanceOnline,
		SysUser:    hello.SysUser,
		SSHPort:    hello.SSHPort,
	}

	if existing, lookupErr := r.st.GetInstanceByMacIP(ctx, hello.MacAddr, hello.IP); lookupErr == nil && existing != nil {
		inst.InstanceID = existing.InstanceID
	}

	if err := r.st.UpsertInstance(ctx, inst); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"instance_id": inst.InstanceID,
		"namespace":   hello.Namespace,
		"mac_addr":    hello.MacAddr,
	}).Info("resolved agent identity")
	return inst.InstanceID, nil
}

// ServeHTTP exposes Resolve over the internal HTTP API Comet calls
// (console's api_url, spec.md §6). This is a control-plane RPC between
// trusted components, not the user-facing REST admin surface spec.md §1
// lists as an external collaborator.
func (r *Resolver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var hello protocol.HelloPayload
	if err := json.NewDecoder(req.Body).Decode(&hello); err != nil {
		http.Error(w, "auth_denied: bad request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	instanceID, err := r.Resolve(ctx, hello)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := protocol.WelcomePayload{InstanceID: instanceID}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
