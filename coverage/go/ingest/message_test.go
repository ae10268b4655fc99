package ingest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/ingest"
)

func TestDecodeMessage_AcceptsStringOrNumericRepoID(t *testing.T) {
	m, err := ingest.DecodeMessage([]byte(`{"repo_id":"42","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`))
	require.NoError(t, err)
	require.Equal(t, ingest.RepoID("42"), m.RepoID)
	require.Equal(t, common.FormatGoc, m.Coverage.Format)

	m2, err := ingest.DecodeMessage([]byte(`{"repo_id":42,"branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`))
	require.NoError(t, err)
	require.Equal(t, ingest.RepoID("42"), m2.RepoID)
}

func TestDecodeMessage_MalformedJSON_Errors(t *testing.T) {
	_, err := ingest.DecodeMessage([]byte(`not json`))
	require.Error(t, err)
}
