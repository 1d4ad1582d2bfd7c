// Package corpus stores uploaded document bytes and their metadata.
//
// Files live under {dataDir}/uploads as {id}_{filename}. Metadata is kept in
// a SQLite database ({dataDir}/corpus.db) using modernc.org/sqlite, which
// needs no CGO. The schema is managed by the versioned migrations embedded
// from the migrations directory.
package corpus

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/abdul-hamid-achik/vecrag/internal/corpus/migrations"
)

// Document is the metadata of one stored file.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	Origin      string    `json:"origin,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Chunks      int       `json:"chunks"`
}

// Store is the corpus store.
type Store struct {
	db         *sql.DB
	dbPath     string
	uploadsDir string
	pdf        *PDFExtractor
}

// Option configures a Store.
type Option func(*Store)

// WithPDFExtractor sets the extractor used for PDF documents.
func WithPDFExtractor(p *PDFExtractor) Option {
	return func(s *Store) {
		if p != nil {
			s.pdf = p
		}
	}
}

// Open opens or creates the corpus store in dataDir.
func Open(dataDir string, opts ...Option) (*Store, error) {
	uploads := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "corpus.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, uploadsDir: uploads, pdf: NewPDFExtractor("")}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UploadsDir returns the directory holding stored files.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

// migrate applies every .up.sql migration newer than the recorded version.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Add stores the bytes read from r under a new document id. origin
// optionally records where the file came from, such as a watched path.
func (s *Store) Add(ctx context.Context, filename, origin string, r io.Reader) (Document, error) {
	if err := ValidateFilename(filename); err != nil {
		return Document{}, err
	}
	name := SecureFilename(filepath.Base(filename))
	if name == "" || FormatOf(name) != FormatOf(filename) {
		return Document{}, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	doc := Document{
		ID:         uuid.NewString(),
		Filename:   name,
		Origin:     origin,
		UploadedAt: time.Now().UTC(),
	}
	doc.Path = filepath.Join(s.uploadsDir, doc.ID+"_"+name)

	size, hash, err := writeFile(doc.Path, r)
	if err != nil {
		return Document{}, fmt.Errorf("storing %s: %w", name, err)
	}
	doc.Size = size
	doc.ContentHash = hash

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, path, size, content_hash, origin, uploaded_at, chunks)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, doc.ID, doc.Filename, doc.Path, doc.Size, doc.ContentHash, doc.Origin, formatTime(doc.UploadedAt))
	if err != nil {
		_ = os.Remove(doc.Path)
		return Document{}, fmt.Errorf("saving document: %w", err)
	}
	return doc, nil
}

// Update replaces the stored bytes of an existing document. The chunk
// count is reset to zero until the document is re-ingested.
func (s *Store) Update(ctx context.Context, id string, r io.Reader) (Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}

	size, hash, err := writeFile(doc.Path, r)
	if err != nil {
		return Document{}, fmt.Errorf("storing %s: %w", doc.Filename, err)
	}
	doc.Size = size
	doc.ContentHash = hash
	doc.UploadedAt = time.Now().UTC()
	doc.Chunks = 0

	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET size = ?, content_hash = ?, uploaded_at = ?, chunks = 0
		WHERE id = ?
	`, doc.Size, doc.ContentHash, formatTime(doc.UploadedAt), doc.ID)
	if err != nil {
		return Document{}, fmt.Errorf("updating document: %w", err)
	}
	return doc, nil
}

// Get retrieves a document by id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, path, size, content_hash, origin, uploaded_at, chunks
		FROM documents WHERE id = ?
	`, id)
	return scanDocument(row)
}

// FindByOrigin retrieves the document recorded with origin.
func (s *Store) FindByOrigin(ctx context.Context, origin string) (Document, error) {
	if origin == "" {
		return Document{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, path, size, content_hash, origin, uploaded_at, chunks
		FROM documents WHERE origin = ?
		ORDER BY uploaded_at DESC LIMIT 1
	`, origin)
	return scanDocument(row)
}

// List returns every document, oldest first.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, path, size, content_hash, origin, uploaded_at, chunks
		FROM documents ORDER BY uploaded_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Delete removes a document's row and file. It reports whether the
// document existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	doc, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	if err := os.Remove(doc.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, fmt.Errorf("removing %s: %w", doc.Path, err)
	}
	return true, nil
}

// SetChunkCount records how many chunks a document produced.
func (s *Store) SetChunkCount(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, "UPDATE documents SET chunks = ? WHERE id = ?", n, id)
	if err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var (
		doc        Document
		uploadedAt string
	)
	err := row.Scan(&doc.ID, &doc.Filename, &doc.Path, &doc.Size, &doc.ContentHash,
		&doc.Origin, &uploadedAt, &doc.Chunks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("scanning document: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, uploadedAt); err == nil {
		doc.UploadedAt = t
	}
	return doc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// writeFile writes r to path through a temporary file and rename, and
// returns the byte count and sha256 of the content.
func writeFile(path string, r io.Reader) (int64, string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
