package privacyidea

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func writeTempPEM(t *testing.T, der []byte) string {
	t.Helper()

	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return writeTempFile(t, string(block))
}
