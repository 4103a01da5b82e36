package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// KVRepository is the typed key-value storage used by agent SDK state.
// Values keep a type tag so round-trips preserve strings, numbers,
// binary blobs and JSON documents.
type KVRepository struct {
	db  *gorm.DB
	log logger.Interface

	mu        sync.RWMutex
	namespace string
}

func NewKVRepository(db *gorm.DB, log logger.Interface) *KVRepository {
	return &KVRepository{db: db, log: log.Named("kv"), namespace: "default"}
}

// SelectDB switches the active namespace for subsequent operations.
func (r *KVRepository) SelectDB(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = "default"
	}
	r.namespace = name
}

func (r *KVRepository) currentNamespace() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namespace
}

const (
	tagText   = "text:"
	tagInt    = "int:"
	tagBase64 = "base64:"
	tagJSON   = "json:"
)

func serializeValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return tagText + v, nil
	case []byte:
		return tagBase64 + base64.StdEncoding.EncodeToString(v), nil
	case int:
		return tagInt + strconv.Itoa(v), nil
	case int64:
		return tagInt + strconv.FormatInt(v, 10), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize value: %w", err)
		}
		return tagJSON + string(raw), nil
	}
}

func deserializeValue(stored string) (any, error) {
	switch {
	case strings.HasPrefix(stored, tagText):
		return strings.TrimPrefix(stored, tagText), nil
	case strings.HasPrefix(stored, tagInt):
		return strconv.ParseInt(strings.TrimPrefix(stored, tagInt), 10, 64)
	case strings.HasPrefix(stored, tagBase64):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, tagBase64))
	case strings.HasPrefix(stored, tagJSON):
		var value any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(stored, tagJSON)), &value); err != nil {
			return nil, fmt.Errorf("deserialize value: %w", err)
		}
		return value, nil
	default:
		return stored, nil
	}
}

func (r *KVRepository) Set(ctx context.Context, key string, value any) error {
	stored, err := serializeValue(value)
	if err != nil {
		return err
	}
	ns := r.currentNamespace()

	var existing models.KVEntryModel
	err = r.db.WithContext(ctx).Where("namespace = ? AND key = ?", ns, key).First(&existing).Error
	switch {
	case err == nil:
		existing.Value = stored
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("update kv entry: %w", err)
		}
		return nil
	case err == gorm.ErrRecordNotFound:
		row := models.KVEntryModel{Namespace: ns, Key: key, Value: stored}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create kv entry: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("load kv entry: %w", err)
	}
}

// Get returns the stored value, nil when absent.
func (r *KVRepository) Get(ctx context.Context, key string) (any, error) {
	var row models.KVEntryModel
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", r.currentNamespace(), key).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load kv entry: %w", err)
	}
	return deserializeValue(row.Value)
}

func (r *KVRepository) Delete(ctx context.Context, key string) error {
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", r.currentNamespace(), key).
		Delete(&models.KVEntryModel{}).Error
	if err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	return nil
}

// Items returns every key of the active namespace.
func (r *KVRepository) Items(ctx context.Context) (map[string]any, error) {
	var rows []models.KVEntryModel
	err := r.db.WithContext(ctx).
		Where("namespace = ?", r.currentNamespace()).
		Order("key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list kv entries: %w", err)
	}

	items := make(map[string]any, len(rows))
	for _, row := range rows {
		value, err := deserializeValue(row.Value)
		if err != nil {
			return nil, err
		}
		items[row.Key] = value
	}
	return items, nil
}
