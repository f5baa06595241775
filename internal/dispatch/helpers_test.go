package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func rawReply(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	data, err := proto.Marshal(s)
	require.NoError(t, err)
	return data
}
