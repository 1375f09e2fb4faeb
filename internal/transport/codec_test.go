package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestJSONCodecRoundTripsWorkerMessage(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, CodecName, codec.Name())

	original := &WorkerMessage{
		ExecuteTaskResponse: &ExecuteTaskResponse{
			JobID:    "job-1",
			TaskType: TaskProve,
			Success:  true,
			Proofs:   []ProveEntryWire{{WorkerIndex: 2, AirgroupID: 5}},
		},
	}

	data, err := codec.Marshal(original)
	require.NoError(t, err)

	var decoded WorkerMessage
	require.NoError(t, codec.Unmarshal(data, &decoded))

	require.NotNil(t, decoded.ExecuteTaskResponse)
	assert.Equal(t, "job-1", decoded.ExecuteTaskResponse.JobID)
	assert.Equal(t, TaskProve, decoded.ExecuteTaskResponse.TaskType)
	require.Len(t, decoded.ExecuteTaskResponse.Proofs, 1)
	assert.Equal(t, uint32(2), decoded.ExecuteTaskResponse.Proofs[0].WorkerIndex)
}

func TestJSONCodecUnmarshalEmptyIsNoop(t *testing.T) {
	codec := jsonCodec{}
	var decoded WorkerMessage
	assert.NoError(t, codec.Unmarshal(nil, &decoded))
	assert.Equal(t, WorkerMessage{}, decoded)
}

func TestJSONCodecRoundTripsCoordinatorMessage(t *testing.T) {
	codec := jsonCodec{}
	original := &CoordinatorMessage{
		ExecuteTask: &ExecuteTask{
			JobID:    "job-2",
			TaskType: TaskAggregate,
			AggregateParams: &AggregateParamsWire{
				FinalSnark: true,
			},
		},
	}

	data, err := codec.Marshal(original)
	require.NoError(t, err)

	var decoded CoordinatorMessage
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.ExecuteTask)
	require.NotNil(t, decoded.ExecuteTask.AggregateParams)
	assert.True(t, decoded.ExecuteTask.AggregateParams.FinalSnark)
}

func TestErrUnknownJobMapsToNotFound(t *testing.T) {
	err := ErrUnknownJob("job-missing")
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Contains(t, st.Message(), "job-missing")
}
