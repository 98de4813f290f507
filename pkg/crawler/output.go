package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"media-harvester/pkg/config"
	"media-harvester/pkg/models"
	"media-harvester/pkg/utils"
)

// recordSeparator ends every journal block.
var recordSeparator = strings.Repeat("-", 40)

// Journal appends human-readable blocks to a catalog's metadata and failure files.
// Every append opens the file, writes one whole block and closes it again, so a
// crash never leaves a half-written block behind an open handle.
type Journal struct {
	metadataPath string
	failurePath  string
}

// NewJournal returns the journal of the catalog stored in dir.
func NewJournal(dir string, cfg *config.AppConfig) *Journal {
	return &Journal{
		metadataPath: filepath.Join(dir, cfg.MetadataFilename),
		failurePath:  filepath.Join(dir, cfg.FailureFilename),
	}
}

// MetadataPath returns the path of the metadata journal.
func (j *Journal) MetadataPath() string { return j.metadataPath }

// FailurePath returns the path of the failure journal.
func (j *Journal) FailurePath() string { return j.failurePath }

// AppendRecord appends a metadata block. Date is written as displayed on the site.
func (j *Journal) AppendRecord(rec models.MediaRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Filename: %s\n", rec.Filename)
	fmt.Fprintf(&b, "Title: %s\n", rec.Title)
	fmt.Fprintf(&b, "Date: %s\n", rec.RawDate)
	fmt.Fprintf(&b, "Speaker: %s\n", rec.Speaker)
	fmt.Fprintf(&b, "Series: %s\n", rec.Series)
	fmt.Fprintf(&b, "MP3 URL: %s\n", rec.AssetURL)
	b.WriteString(recordSeparator + "\n")
	return appendBlock(j.metadataPath, b.String())
}

// AppendFailure appends a failure block.
func (j *Journal) AppendFailure(f models.FailureRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Item %d on %s\n", f.Position, f.PageURL)
	fmt.Fprintf(&b, "Error: %s\n", f.Err)
	b.WriteString(recordSeparator + "\n")
	return appendBlock(j.failurePath, b.String())
}

func appendBlock(path, block string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating journal folder for '%s': %w", utils.ErrFilesystem, path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening journal '%s': %w", utils.ErrFilesystem, path, err)
	}
	if _, err := file.WriteString(block); err != nil {
		file.Close()
		return fmt.Errorf("%w: writing journal '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: closing journal '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}
