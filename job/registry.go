package job

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// CompletionEvent is the registry contract with the storage
// collaborator: everything it needs to persist one finished artifact.
// The core publishes the event and never touches the registry itself.
type CompletionEvent struct {
	JobID        string
	OriginalName string
	OutputPath   string
	SizeBytes    int64
	Checksum     string
	FinishedAt   time.Time
}

// DescribeArtifact stats and checksums a finished output file, filling
// the size and checksum fields of an embed job's result. The checksum
// is BLAKE2b-256 over the file contents, hex encoded.
func DescribeArtifact(path string) (int64, string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, "", fmt.Errorf("stat artifact: %w", err)
	}
	if st.Size() == 0 {
		return 0, "", fmt.Errorf("artifact is empty: %s", path)
	}

	fh, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open artifact: %w", err)
	}
	defer fh.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", fmt.Errorf("init checksum: %w", err)
	}
	if _, err := io.Copy(h, fh); err != nil {
		return 0, "", fmt.Errorf("checksum artifact: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	logrus.WithFields(logrus.Fields{
		"function": "DescribeArtifact",
		"path":     path,
		"size":     st.Size(),
		"checksum": sum[:12],
	}).Debug("Artifact described")

	return st.Size(), sum, nil
}
