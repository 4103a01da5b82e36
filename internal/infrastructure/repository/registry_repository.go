// Package repository implements the domain repositories over GORM,
// with the memcached KV layered in front of the registry reads.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/cache"
	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

type RegistryRepository struct {
	db    *gorm.DB
	cache *cache.KV
	log   logger.Interface
}

func NewRegistryRepository(db *gorm.DB, kv *cache.KV, log logger.Interface) *RegistryRepository {
	return &RegistryRepository{db: db, cache: kv, log: log.Named("registry")}
}

func agentFromModel(m *models.AgentModel) *registry.Agent {
	a := &registry.Agent{ID: m.ID, DID: m.DID, Verkey: m.Verkey, Metadata: m.Metadata}
	if m.FCMDeviceID != nil {
		a.FCMDeviceID = *m.FCMDeviceID
	}
	return a
}

func endpointFromModel(m *models.EndpointModel) *registry.Endpoint {
	e := &registry.Endpoint{UID: m.UID}
	if m.Verkey != nil {
		e.Verkey = *m.Verkey
	}
	if m.AgentID != nil {
		e.AgentID = *m.AgentID
	}
	if m.ForwardStreamAddress != nil {
		e.ForwardStreamAddress = *m.ForwardStreamAddress
	}
	if m.FCMDeviceID != nil {
		e.FCMDeviceID = *m.FCMDeviceID
	}
	return e
}

// EnsureAgent upserts the agent keyed by DID. A verkey already held by a
// different DID is reclaimed: the stale holder rows are removed so a
// verkey always resolves to at most one agent.
func (r *RegistryRepository) EnsureAgent(ctx context.Context, did, verkey string, upd registry.AgentUpdate) error {
	evictVerkeys := []string{verkey}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []models.AgentModel
		if err := tx.Where("verkey = ? AND did <> ?", verkey, did).Find(&stale).Error; err != nil {
			return err
		}
		for _, s := range stale {
			if err := tx.Delete(&models.AgentModel{}, "id = ?", s.ID).Error; err != nil {
				return err
			}
			r.cache.Delete(cache.NamespaceAgents, s.DID)
		}

		var existing models.AgentModel
		err := tx.Where("did = ?", did).First(&existing).Error
		switch {
		case err == nil:
			if existing.Verkey != verkey {
				evictVerkeys = append(evictVerkeys, existing.Verkey)
			}
			existing.Verkey = verkey
			if upd.Metadata != nil {
				existing.Metadata = upd.Metadata
			}
			if upd.FCMDeviceID != nil {
				existing.FCMDeviceID = upd.FCMDeviceID
			}
			return tx.Save(&existing).Error
		case err == gorm.ErrRecordNotFound:
			row := models.AgentModel{
				ID:          uuid.NewString(),
				DID:         did,
				Verkey:      verkey,
				Metadata:    upd.Metadata,
				FCMDeviceID: upd.FCMDeviceID,
			}
			return tx.Create(&row).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("ensure agent: %w", err)
	}

	r.cache.Delete(cache.NamespaceAgents, did)
	for _, vk := range evictVerkeys {
		r.cache.Delete(cache.NamespaceAgentsVerkeys, vk)
	}
	return nil
}

func (r *RegistryRepository) LoadAgent(ctx context.Context, did string) (*registry.Agent, error) {
	var cached registry.Agent
	if r.cache.Get(cache.NamespaceAgents, did, &cached) {
		return &cached, nil
	}

	var row models.AgentModel
	if err := r.db.WithContext(ctx).Where("did = ?", did).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load agent: %w", err)
	}
	agent := agentFromModel(&row)
	r.cache.Set(cache.NamespaceAgents, did, agent)
	r.cache.Set(cache.NamespaceAgentsVerkeys, agent.Verkey, agent)
	return agent, nil
}

func (r *RegistryRepository) LoadAgentByVerkey(ctx context.Context, verkey string) (*registry.Agent, error) {
	var cached registry.Agent
	if r.cache.Get(cache.NamespaceAgentsVerkeys, verkey, &cached) {
		return &cached, nil
	}

	var row models.AgentModel
	if err := r.db.WithContext(ctx).Where("verkey = ?", verkey).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load agent by verkey: %w", err)
	}
	agent := agentFromModel(&row)
	r.cache.Set(cache.NamespaceAgents, agent.DID, agent)
	r.cache.Set(cache.NamespaceAgentsVerkeys, verkey, agent)
	return agent, nil
}

// EnsureEndpoint upserts the endpoint keyed by UID. Nil update fields
// keep the stored values, so a reconnect without an FCM token does not
// wipe the token written earlier. Verkey reclaim works as for agents.
func (r *RegistryRepository) EnsureEndpoint(ctx context.Context, uid string, upd registry.EndpointUpdate) error {
	var evictVerkeys []string
	if upd.Verkey != nil {
		evictVerkeys = append(evictVerkeys, *upd.Verkey)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if upd.Verkey != nil {
			var stale []models.EndpointModel
			if err := tx.Where("verkey = ? AND uid <> ?", *upd.Verkey, uid).Find(&stale).Error; err != nil {
				return err
			}
			for _, s := range stale {
				if err := tx.Delete(&models.EndpointModel{}, "uid = ?", s.UID).Error; err != nil {
					return err
				}
				r.cache.Delete(cache.NamespaceEndpoints, s.UID)
			}
		}

		var existing models.EndpointModel
		err := tx.Where("uid = ?", uid).First(&existing).Error
		switch {
		case err == nil:
			if existing.Verkey != nil && (upd.Verkey == nil || *upd.Verkey != *existing.Verkey) {
				evictVerkeys = append(evictVerkeys, *existing.Verkey)
			}
			if upd.Verkey != nil {
				existing.Verkey = upd.Verkey
			}
			if upd.AgentID != nil {
				existing.AgentID = upd.AgentID
			}
			if upd.ForwardStreamAddress != nil {
				existing.ForwardStreamAddress = upd.ForwardStreamAddress
			}
			if upd.FCMDeviceID != nil {
				existing.FCMDeviceID = upd.FCMDeviceID
			}
			return tx.Save(&existing).Error
		case err == gorm.ErrRecordNotFound:
			row := models.EndpointModel{
				UID:                  uid,
				Verkey:               upd.Verkey,
				AgentID:              upd.AgentID,
				ForwardStreamAddress: upd.ForwardStreamAddress,
				FCMDeviceID:          upd.FCMDeviceID,
			}
			return tx.Create(&row).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("ensure endpoint: %w", err)
	}

	r.cache.Delete(cache.NamespaceEndpoints, uid)
	for _, vk := range evictVerkeys {
		r.cache.Delete(cache.NamespaceEndpointVerkeys, vk)
	}
	return nil
}

func (r *RegistryRepository) LoadEndpoint(ctx context.Context, uid string) (*registry.Endpoint, error) {
	var cached registry.Endpoint
	if r.cache.Get(cache.NamespaceEndpoints, uid, &cached) {
		return &cached, nil
	}

	var row models.EndpointModel
	if err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	endpoint := endpointFromModel(&row)
	r.cache.Set(cache.NamespaceEndpoints, uid, endpoint)
	if endpoint.Verkey != "" {
		r.cache.Set(cache.NamespaceEndpointVerkeys, endpoint.Verkey, endpoint)
	}
	return endpoint, nil
}

func (r *RegistryRepository) LoadEndpointByVerkey(ctx context.Context, verkey string) (*registry.Endpoint, error) {
	var cached registry.Endpoint
	if r.cache.Get(cache.NamespaceEndpointVerkeys, verkey, &cached) {
		return &cached, nil
	}

	var row models.EndpointModel
	if err := r.db.WithContext(ctx).Where("verkey = ?", verkey).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load endpoint by verkey: %w", err)
	}
	endpoint := endpointFromModel(&row)
	r.cache.Set(cache.NamespaceEndpoints, endpoint.UID, endpoint)
	r.cache.Set(cache.NamespaceEndpointVerkeys, verkey, endpoint)
	return endpoint, nil
}

func (r *RegistryRepository) LoadEndpointByRoutingKey(ctx context.Context, key string) (*registry.Endpoint, error) {
	var cachedUID string
	if r.cache.Get(cache.NamespaceRoutingKeys, "key:"+key, &cachedUID) {
		return r.LoadEndpoint(ctx, cachedUID)
	}

	var row models.RoutingKeyModel
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load endpoint by routing key: %w", err)
	}
	r.cache.Set(cache.NamespaceRoutingKeys, "key:"+key, row.EndpointUID)
	return r.LoadEndpoint(ctx, row.EndpointUID)
}

// AddRoutingKey appends a key to the endpoint's chain. Re-adding an
// existing key returns the stored record unchanged.
func (r *RegistryRepository) AddRoutingKey(ctx context.Context, endpointUID, key string) (*registry.RoutingKey, error) {
	var row models.RoutingKeyModel
	err := r.db.WithContext(ctx).
		Where("endpoint_uid = ? AND key = ?", endpointUID, key).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		row = models.RoutingKeyModel{EndpointUID: endpointUID, Key: key}
		err = r.db.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return nil, fmt.Errorf("add routing key: %w", err)
	}

	r.cache.Delete(cache.NamespaceRoutingKeys, "list:"+endpointUID)
	r.cache.Delete(cache.NamespaceRoutingKeys, "key:"+key)
	return &registry.RoutingKey{ID: row.ID, EndpointUID: row.EndpointUID, Key: row.Key}, nil
}

func (r *RegistryRepository) RemoveRoutingKey(ctx context.Context, endpointUID, key string) error {
	err := r.db.WithContext(ctx).
		Where("endpoint_uid = ? AND key = ?", endpointUID, key).
		Delete(&models.RoutingKeyModel{}).Error
	if err != nil {
		return fmt.Errorf("remove routing key: %w", err)
	}
	r.cache.Delete(cache.NamespaceRoutingKeys, "list:"+endpointUID)
	r.cache.Delete(cache.NamespaceRoutingKeys, "key:"+key)
	return nil
}

// ListRoutingKeys returns the chain in insertion order.
func (r *RegistryRepository) ListRoutingKeys(ctx context.Context, endpointUID string) ([]registry.RoutingKey, error) {
	var cached []registry.RoutingKey
	if r.cache.Get(cache.NamespaceRoutingKeys, "list:"+endpointUID, &cached) {
		return cached, nil
	}

	var rows []models.RoutingKeyModel
	err := r.db.WithContext(ctx).
		Where("endpoint_uid = ?", endpointUID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list routing keys: %w", err)
	}

	keys := make([]registry.RoutingKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, registry.RoutingKey{ID: row.ID, EndpointUID: row.EndpointUID, Key: row.Key})
	}
	r.cache.Set(cache.NamespaceRoutingKeys, "list:"+endpointUID, keys)
	return keys, nil
}

// GetSetting reads one name from the settings document. Missing names
// return nil without error.
func (r *RegistryRepository) GetSetting(ctx context.Context, name string) (any, error) {
	var cached json.RawMessage
	if r.cache.Get(cache.NamespaceGlobalSettings, name, &cached) {
		var value any
		if err := json.Unmarshal(cached, &value); err == nil {
			return value, nil
		}
	}

	var row models.GlobalSettingModel
	err := r.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load global settings: %w", err)
	}

	content := map[string]json.RawMessage{}
	if len(row.Content) > 0 {
		if err := json.Unmarshal(row.Content, &content); err != nil {
			return nil, fmt.Errorf("parse global settings: %w", err)
		}
	}
	raw, ok := content[name]
	if !ok {
		return nil, nil
	}
	r.cache.Set(cache.NamespaceGlobalSettings, name, raw)

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("parse setting %s: %w", name, err)
	}
	return value, nil
}

// SetSetting writes one name into the single settings row. Concurrent
// writers serialize on a table lock so read-modify-write stays atomic.
func (r *RegistryRepository) SetSetting(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("setting %s is not serializable", name))
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("LOCK TABLE global_settings IN ACCESS EXCLUSIVE MODE").Error; err != nil {
				return err
			}
		}

		var row models.GlobalSettingModel
		if err := tx.First(&row, "id = ?", 1).Error; err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			row = models.GlobalSettingModel{ID: 1, Content: []byte(`{}`)}
		}

		content := map[string]json.RawMessage{}
		if len(row.Content) > 0 {
			if err := json.Unmarshal(row.Content, &content); err != nil {
				return err
			}
		}
		content[name] = raw

		merged, err := json.Marshal(content)
		if err != nil {
			return err
		}
		row.Content = merged
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}

	r.cache.Delete(cache.NamespaceGlobalSettings, name)
	return nil
}
