package cluster

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipCSV(t *testing.T, csvBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodePhotometry_FiltersInvalidRows(t *testing.T) {
	csv := "mjd,filter,mag,magerr\n" +
		"59000.0,ps1::g,18.5,0.1\n" +
		"59001.0,ps1::r,-99,0.1\n" + // invalid mag, dropped
		"59002.0,ps1::r,19.1,0.2\n"

	rows, err := decodePhotometry(gzipCSV(t, csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 59000.0, rows[0].mjd)
	assert.Equal(t, 59002.0, rows[1].mjd)
}

func TestDecodePhotometry_EmptyInput(t *testing.T) {
	_, err := decodePhotometry(nil)
	require.Error(t, err)
}

func TestDecodePhotometry_AllRowsInvalid(t *testing.T) {
	csv := "mjd,filter,mag,magerr\n59000.0,ps1::g,-1,-1\n"
	_, err := decodePhotometry(gzipCSV(t, csv))
	require.Error(t, err)
}

func TestEarliestMJD(t *testing.T) {
	rows := []photometryRow{{mjd: 59002.0}, {mjd: 59000.0}, {mjd: 59001.0}}
	assert.Equal(t, 59000.0, earliestMJD(rows))
}

func TestBuildDatFile(t *testing.T) {
	rows := []photometryRow{{mjd: 40587, filter: "ps1::g", mag: 18.5, magErr: 0.1}}
	content := buildDatFile(rows)
	assert.True(t, strings.HasPrefix(content, "1970-01-01T00:00:00.000 ps1::g 18.5 0.1"))
}

func TestMjdToISOT_EpochZero(t *testing.T) {
	assert.Equal(t, "1970-01-01T00:00:00.000", mjdToISOT(40587))
}

func TestParseSbatchJobID_Success(t *testing.T) {
	id, err := parseSbatchJobID("Submitted batch job 12345\n")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, id)
}

func TestParseSbatchJobID_Malformed(t *testing.T) {
	_, err := parseSbatchJobID("something went wrong")
	require.Error(t, err)
}

func TestParseSbatchJobID_Empty(t *testing.T) {
	_, err := parseSbatchJobID("")
	require.Error(t, err)
}

func TestBuildRetrievePayload(t *testing.T) {
	payload, err := buildRetrievePayload(5.2, []byte("posterior"), []byte("plot"), []byte(`{"log_bayes_factor":5.2}`))
	require.NoError(t, err)

	var decoded retrieveResult
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "success", decoded.Status)
	assert.Contains(t, decoded.Message, "5.2")
	assert.Equal(t, "netcdf4", decoded.Analysis.InferenceData.Format)
	assert.Equal(t, "joblib", decoded.Analysis.Results.Format)
	require.Len(t, decoded.Analysis.Plots, 1)
	assert.Equal(t, "png", decoded.Analysis.Plots[0].Format)
}

func TestCancel_NilIDIsNoop(t *testing.T) {
	a := New(Config{})
	assert.False(t, a.Cancel(nil, nil))
}

func TestAdapter_Stats_InitiallyEmpty(t *testing.T) {
	a := New(Config{Host: "login.expanse.sdsc.edu", Port: 22})
	stats := a.Stats()
	assert.Equal(t, int64(0), stats["total_requests"])
	assert.Equal(t, "closed", stats["circuit_state"])
}

func TestConfig_RemoteDirs(t *testing.T) {
	cfg := Config{RemoteNMMADir: "/home/user/nmma", RemoteDataDirname: "data", RemoteOutputDirname: "outdir"}
	assert.Equal(t, "/home/user/nmma/data", cfg.remoteDataDir())
	assert.Equal(t, "/home/user/nmma/outdir", cfg.remoteOutputDir())
}
