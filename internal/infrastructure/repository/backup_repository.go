package repository

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/persistence/models"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// BackupRepository persists opaque blobs and filesystem snapshots
// (tar.gz) so state like ACME accounts survives redeploys.
type BackupRepository struct {
	db  *gorm.DB
	log logger.Interface
}

func NewBackupRepository(db *gorm.DB, log logger.Interface) *BackupRepository {
	return &BackupRepository{db: db, log: log.Named("backups")}
}

// Dump stores binary under description, overwriting any previous blob.
func (r *BackupRepository) Dump(ctx context.Context, description string, binary []byte, context_ map[string]any) error {
	rawCtx, err := json.Marshal(context_)
	if err != nil {
		return fmt.Errorf("marshal backup context: %w", err)
	}

	var existing models.BackupModel
	err = r.db.WithContext(ctx).Where("description = ?", description).First(&existing).Error
	switch {
	case err == nil:
		existing.Binary = binary
		existing.Context = rawCtx
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("update backup: %w", err)
		}
		return nil
	case err == gorm.ErrRecordNotFound:
		row := models.BackupModel{Description: description, Binary: binary, Context: rawCtx}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("load backup: %w", err)
	}
}

func (r *BackupRepository) Load(ctx context.Context, description string) (*registry.Backup, error) {
	var row models.BackupModel
	if err := r.db.WithContext(ctx).Where("description = ?", description).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load backup: %w", err)
	}
	return &registry.Backup{Description: row.Description, Binary: row.Binary, Context: row.Context}, nil
}

// DumpPath archives a file or directory tree into a tar.gz blob and
// stores it with {path, is_dir} context for later restore.
func (r *BackupRepository) DumpPath(ctx context.Context, description, path string, context_ map[string]any) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat backup path: %w", err)
	}

	archive, err := tarPath(path, info.IsDir())
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}

	if context_ == nil {
		context_ = map[string]any{}
	}
	context_["path"] = filepath.Base(path)
	context_["is_dir"] = info.IsDir()
	return r.Dump(ctx, description, archive, context_)
}

// RestorePath extracts the stored archive under baseDir and returns the
// restored root path. Missing backups return an empty path.
func (r *BackupRepository) RestorePath(ctx context.Context, description, baseDir string) (string, error) {
	backup, err := r.Load(ctx, description)
	if err != nil {
		return "", err
	}
	if backup == nil {
		return "", nil
	}

	var bctx struct {
		Path string `json:"path"`
	}
	if len(backup.Context) > 0 {
		if err := json.Unmarshal(backup.Context, &bctx); err != nil {
			return "", fmt.Errorf("parse backup context: %w", err)
		}
	}

	if err := untar(backup.Binary, baseDir); err != nil {
		return "", fmt.Errorf("extract backup %s: %w", description, err)
	}
	return filepath.Join(baseDir, bctx.Path), nil
}

func tarPath(path string, isDir bool) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	base := filepath.Dir(path)
	walk := func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, file)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	var err error
	if isDir {
		err = filepath.Walk(path, walk)
	} else {
		info, statErr := os.Stat(path)
		if statErr != nil {
			err = statErr
		} else {
			err = walk(path, info, nil)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func untar(archive []byte, baseDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Reject entries escaping the extraction root.
		target := filepath.Join(baseDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes extraction root", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
