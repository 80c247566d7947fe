package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `time,open,high,low,close,volume
2024-01-02T00:00:00Z,1.1000,1.1010,1.0990,1.1005,100
2024-01-02T00:05:00Z,1.1005,1.1015,1.1000,1.1012,120
`

func writeCSV(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0644))
	return path
}

func TestLoadData(t *testing.T) {
	dir := t.TempDir()
	ltf := writeCSV(t, dir, "ltf.csv")
	htf := writeCSV(t, dir, "htf.csv")
	peer := writeCSV(t, dir, "peer.csv")

	data, err := loadData(ltf, htf, []string{"gbp_usd=" + peer})
	require.NoError(t, err)
	assert.Len(t, data.LTF, 2)
	assert.Len(t, data.HTF, 2)
	assert.Len(t, data.Peers["GBP_USD"], 2)
}

func TestLoadDataErrors(t *testing.T) {
	dir := t.TempDir()
	ltf := writeCSV(t, dir, "ltf.csv")

	_, err := loadData(ltf, "", nil)
	assert.Error(t, err)

	_, err = loadData(ltf, ltf, []string{"GBP_USD"})
	assert.ErrorContains(t, err, "NAME=path")

	_, err = loadData(ltf, filepath.Join(dir, "missing.csv"), nil)
	assert.ErrorContains(t, err, "htf")
}
