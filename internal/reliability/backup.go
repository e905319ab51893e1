package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/database"
)

const (
	backupPrefix      = "ballast-backup-"
	archiveTimeFormat = "2006-01-02-150405"
	metadataFilename  = "backup-metadata.json"
	metadataVersion   = "1.0.0"
	stagingDirName    = "backup-staging"
	reportsDirName    = "reports"
	restoreDirName    = "restore"

	// Rotation never prunes below this many archives regardless of age.
	minBackupsToKeep = 3
)

// Metadata describes the contents of one uploaded archive.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata records one archived file with its checksum.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes one archive found in the bucket.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

type objectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	Download(ctx context.Context, key string, w io.WriterAt) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// Service archives the database together with the latest report artifacts
// and ships the archive to object storage.
type Service struct {
	store   objectStore
	db      *database.DB
	dataDir string
	log     zerolog.Logger
}

// NewService builds a backup service over store. Report artifacts are
// picked up from the reports directory under dataDir when present.
func NewService(store *ObjectStore, db *database.DB, dataDir string, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		db:      db,
		dataDir: dataDir,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload snapshots the database, stages report artifacts, writes
// checksummed metadata, packs everything into a tar.gz and uploads it.
// It returns the archive key.
func (s *Service) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting cloud backup")
	startTime := time.Now()

	staging := filepath.Join(s.dataDir, stagingDirName)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	dbFilename := filepath.Base(s.db.Path())
	if err := s.db.BackupTo(filepath.Join(staging, dbFilename)); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	files := []string{dbFilename}
	artifacts, err := s.stageArtifacts(staging)
	if err != nil {
		return "", err
	}
	files = append(files, artifacts...)

	timestamp := time.Now().UTC()
	metadata := Metadata{Timestamp: timestamp, Version: metadataVersion}
	for _, name := range files {
		path := filepath.Join(staging, name)
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", name, err)
		}
		checksum, err := checksumFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", name, err)
		}
		metadata.Files = append(metadata.Files, FileMetadata{
			Name:      name,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}
	if err := writeMetadata(filepath.Join(staging, metadataFilename), metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := backupPrefix + timestamp.Format(archiveTimeFormat) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, staging, append(files, metadataFilename)); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return "", err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int("files", len(files)).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Cloud backup completed")

	return archiveName, nil
}

// stageArtifacts copies the latest report exports next to the database
// snapshot. A missing reports directory simply means no artifacts.
func (s *Service) stageArtifacts(staging string) ([]string, error) {
	reportsDir := filepath.Join(s.dataDir, reportsDirName)
	entries, err := os.ReadDir(reportsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == metadataFilename || name == filepath.Base(s.db.Path()) {
			continue
		}
		if err := copyFile(filepath.Join(reportsDir, name), filepath.Join(staging, name)); err != nil {
			return nil, fmt.Errorf("failed to stage artifact %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// List returns the archives in the bucket, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]Info, 0, len(objects))
	now := time.Now()
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if !strings.HasPrefix(key, backupPrefix) || !strings.HasSuffix(key, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeFormat, stamp)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Skipping object with unparseable timestamp")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}
		backups = append(backups, Info{
			Key:       key,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than retentionDays while always keeping
// the newest minBackupsToKeep. retentionDays <= 0 keeps everything.
func (s *Service) Rotate(ctx context.Context, retentionDays int) error {
	backups, err := s.List(ctx)
	if err != nil {
		return err
	}
	if retentionDays <= 0 || len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, backup := range backups[minBackupsToKeep:] {
		if !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("key", backup.Key).Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

// Restore downloads an archive, unpacks it under the data directory and
// verifies every file against the recorded checksums. It returns the
// directory holding the restored files; swapping them into place is left
// to the operator.
func (s *Service) Restore(ctx context.Context, key string) (string, error) {
	if !strings.HasPrefix(key, backupPrefix) {
		return "", fmt.Errorf("key %s is not a backup archive", key)
	}

	staging := filepath.Join(s.dataDir, stagingDirName)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	archivePath := filepath.Join(staging, key)
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	if err := s.store.Download(ctx, key, archiveFile); err != nil {
		archiveFile.Close()
		return "", err
	}
	if err := archiveFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive file: %w", err)
	}
	defer os.Remove(archivePath)

	destDir := filepath.Join(s.dataDir, restoreDirName, strings.TrimSuffix(key, ".tar.gz"))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create restore directory: %w", err)
	}
	if err := extractArchive(archivePath, destDir); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", key, err)
	}
	if err := verifyRestored(destDir); err != nil {
		return "", err
	}

	s.log.Info().Str("key", key).Str("dir", destDir).Msg("Backup restored and verified")
	return destDir, nil
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeMetadata(path string, metadata Metadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, names []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, name := range names {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, path, nameInArchive string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}

// extractArchive unpacks a flat tar.gz. Archives written here only ever
// hold plain files at the top level, so anything else is rejected.
func extractArchive(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != header.Name {
			return fmt.Errorf("archive entry %s is not a flat file", header.Name)
		}

		out, err := os.Create(filepath.Join(destDir, header.Name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func verifyRestored(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, metadataFilename))
	if err != nil {
		return fmt.Errorf("failed to read restored metadata: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return fmt.Errorf("failed to parse restored metadata: %w", err)
	}

	for _, file := range metadata.Files {
		checksum, err := checksumFile(filepath.Join(dir, file.Name))
		if err != nil {
			return fmt.Errorf("failed to checksum restored %s: %w", file.Name, err)
		}
		if checksum != file.Checksum {
			return fmt.Errorf("checksum mismatch for %s", file.Name)
		}
	}
	return nil
}

// CloudBackupJob runs a full backup cycle for the scheduler.
type CloudBackupJob struct {
	service       *Service
	retentionDays int
}

// NewCloudBackupJob wraps service for scheduled runs.
func NewCloudBackupJob(service *Service, retentionDays int) *CloudBackupJob {
	return &CloudBackupJob{service: service, retentionDays: retentionDays}
}

// Run uploads a fresh archive and rotates old ones.
func (j *CloudBackupJob) Run() error {
	ctx := context.Background()
	if _, err := j.service.CreateAndUpload(ctx); err != nil {
		return err
	}
	return j.service.Rotate(ctx, j.retentionDays)
}

// Name returns the job name for the scheduler.
func (j *CloudBackupJob) Name() string {
	return "cloud_backup"
}
