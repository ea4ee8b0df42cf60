// Package cluster implements the Cluster-Profile Registry: named
// orchestrator credential bundles with an at-most-one-active
// invariant. Activating a profile copies its decrypted credential
// blob to the current-context path the Orchestrator Adapter reads
// from; deleting the active profile truncates it.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/brokererr"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/security"
	"github.com/cuemby/jobbroker/pkg/storage"
	"github.com/cuemby/jobbroker/pkg/types"
)

const storeKeyPrefix = "cluster:"

// Registry owns every ClusterProfile and the single active slot.
type Registry struct {
	mu          sync.Mutex
	root        string
	contextPath string
	store       storage.Store
	profiles    map[string]*types.ClusterProfile
	active      string
	logger      zerolog.Logger
}

// New builds a Registry rooted at root, writing the active profile's
// blob to contextPath, mirroring every profile into store.
func New(root, contextPath string, store storage.Store) *Registry {
	return &Registry{
		root:        root,
		contextPath: contextPath,
		store:       store,
		profiles:    make(map[string]*types.ClusterProfile),
		logger:      log.WithComponent("cluster_registry"),
	}
}

// Rehydrate loads every persisted profile from store back into memory.
func (r *Registry) Rehydrate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.GetAll(storeKeyPrefix)
	if err != nil {
		return fmt.Errorf("rehydrate cluster registry: %w", err)
	}
	for key, blob := range records {
		profile, err := decodeProfile(blob)
		if err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("skipping corrupt cluster profile")
			continue
		}
		r.profiles[profile.Name] = profile
		if profile.Active {
			r.active = profile.Name
		}
	}
	return nil
}

// Add registers a new named profile with its (plaintext) config blob.
// The blob is encrypted at rest both on disk and in the store mirror.
func (r *Registry) Add(name string, configBlob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[name]; exists {
		return brokererr.BadRequest("cluster %q already exists", name)
	}

	dir := filepath.Join(r.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return brokererr.FatalInternal(err, "create cluster directory")
	}

	encrypted, err := security.Encrypt(configBlob)
	if err != nil {
		return brokererr.FatalInternal(err, "encrypt cluster config")
	}
	if err := os.WriteFile(filepath.Join(dir, name), encrypted, 0o600); err != nil {
		return brokererr.FatalInternal(err, "write cluster config")
	}

	profile := &types.ClusterProfile{
		Name:           name,
		CredentialBlob: encrypted,
		Certificates:   make(map[string][]byte),
		Active:         false,
	}
	r.profiles[name] = profile
	return r.persistLocked(profile)
}

// AddCertificate stores a named certificate blob for an existing cluster.
func (r *Registry) AddCertificate(name, certName string, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[name]
	if !ok {
		return brokererr.BadRequest("cluster %q does not exist", name)
	}
	if _, exists := profile.Certificates[certName]; exists {
		return brokererr.BadRequest("certificate %q already exists on cluster %q", certName, name)
	}

	encrypted, err := security.Encrypt(blob)
	if err != nil {
		return brokererr.FatalInternal(err, "encrypt certificate")
	}
	path := filepath.Join(r.root, name, certName)
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return brokererr.FatalInternal(err, "write certificate")
	}

	profile.Certificates[certName] = encrypted
	return r.persistLocked(profile)
}

// DeleteCertificate removes a named certificate from a cluster.
func (r *Registry) DeleteCertificate(name, certName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[name]
	if !ok {
		return brokererr.BadRequest("cluster %q does not exist", name)
	}
	if _, exists := profile.Certificates[certName]; !exists {
		return brokererr.BadRequest("certificate %q does not exist on cluster %q", certName, name)
	}

	path := filepath.Join(r.root, name, certName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return brokererr.FatalInternal(err, "remove certificate")
	}
	delete(profile.Certificates, certName)
	return r.persistLocked(profile)
}

// Delete removes a cluster profile entirely. Deleting the active
// profile truncates the current-context file.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[name]; !ok {
		return brokererr.BadRequest("cluster %q does not exist", name)
	}

	if err := os.RemoveAll(filepath.Join(r.root, name)); err != nil {
		return brokererr.FatalInternal(err, "remove cluster directory")
	}
	delete(r.profiles, name)
	if err := r.store.Delete(storeKeyPrefix + name); err != nil {
		r.logger.Warn().Err(err).Str("cluster_name", name).Msg("failed to remove cluster record")
	}

	if r.active == name {
		r.active = ""
		if err := os.Truncate(r.contextPath, 0); err != nil && !os.IsNotExist(err) {
			return brokererr.FatalInternal(err, "truncate current-context file")
		}
	}
	return nil
}

// Activate makes name the single active profile, copying its
// decrypted credential blob to the current-context path atomically
// and deactivating whichever profile was previously active.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[name]
	if !ok {
		return brokererr.BadRequest("cluster %q does not exist", name)
	}

	plaintext, err := security.Decrypt(profile.CredentialBlob)
	if err != nil {
		return brokererr.FatalInternal(err, "decrypt cluster config")
	}
	if err := writeFileAtomic(r.contextPath, plaintext); err != nil {
		return brokererr.FatalInternal(err, "write current-context file")
	}

	if r.active != "" && r.active != name {
		if previous, ok := r.profiles[r.active]; ok {
			previous.Active = false
			if err := r.persistLocked(previous); err != nil {
				return err
			}
		}
	}

	profile.Active = true
	r.active = name
	return r.persistLocked(profile)
}

// List returns a snapshot of every registered profile.
func (r *Registry) List() []types.ClusterProfile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.ClusterProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	return out
}

// Active returns the currently active profile, if any.
func (r *Registry) Active() (types.ClusterProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == "" {
		return types.ClusterProfile{}, false
	}
	return *r.profiles[r.active], true
}

func (r *Registry) persistLocked(profile *types.ClusterProfile) error {
	blob, err := encodeProfile(profile)
	if err != nil {
		return brokererr.FatalInternal(err, "encode cluster profile")
	}
	if err := r.store.Put(storeKeyPrefix+profile.Name, blob); err != nil {
		return brokererr.FatalInternal(err, "persist cluster profile")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
