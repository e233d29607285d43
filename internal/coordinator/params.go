package coordinator

import (
	"fmt"

	"github.com/duk3luk3/ice-adapter/internal/adaptererr"
	"github.com/duk3luk3/ice-adapter/internal/gpgnet"
)

// paramString extracts a string positional argument, erroring with
// InvalidRpcArity if it is missing or of the wrong type.
func paramString(params []interface{}, idx int) (string, error) {
	if idx >= len(params) {
		return "", adaptererr.New(adaptererr.InvalidRpcArity, fmt.Sprintf("missing argument %d", idx), nil)
	}
	s, ok := params[idx].(string)
	if !ok {
		return "", adaptererr.New(adaptererr.InvalidRpcArity, fmt.Sprintf("argument %d must be a string", idx), nil)
	}
	return s, nil
}

// paramInt extracts an integer positional argument. JSON numbers decode as
// float64, so the conversion happens here rather than at the call site.
func paramInt(params []interface{}, idx int) (int, error) {
	if idx >= len(params) {
		return 0, adaptererr.New(adaptererr.InvalidRpcArity, fmt.Sprintf("missing argument %d", idx), nil)
	}
	n, ok := params[idx].(float64)
	if !ok {
		return 0, adaptererr.New(adaptererr.InvalidRpcArity, fmt.Sprintf("argument %d must be a number", idx), nil)
	}
	return int(n), nil
}

// parseLoginID extracts the (login string, player id) pair shared by
// joinGame/connectToPeer's positional arguments.
func parseLoginID(params []interface{}) (string, int, error) {
	login, err := paramString(params, 0)
	if err != nil {
		return "", 0, err
	}
	id, err := paramInt(params, 1)
	if err != nil {
		return "", 0, err
	}
	return login, id, nil
}

// chunksFromInterface converts sendToGpgNet's generic JSON-decoded argument
// array into typed GPGNet chunks: JSON numbers become IntChunk and strings
// become StringChunk; any other value type is an InvalidRpcArity error.
func chunksFromInterface(raw []interface{}) ([]gpgnet.Chunk, error) {
	chunks := make([]gpgnet.Chunk, 0, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case float64:
			chunks = append(chunks, gpgnet.IntChunk(int32(val)))
		case string:
			chunks = append(chunks, gpgnet.StringChunk(val))
		default:
			return nil, adaptererr.New(adaptererr.InvalidRpcArity, fmt.Sprintf("sendToGpgNet argument %d has unsupported type %T", i, v), nil)
		}
	}
	return chunks, nil
}

// chunksToInterface converts decoded GPGNet chunks into the generic
// JSON-friendly values sent as onGpgNetMessageReceived's parameter list.
func chunksToInterface(chunks []gpgnet.Chunk) []interface{} {
	out := make([]interface{}, len(chunks))
	for i, c := range chunks {
		if c.IsString() {
			out[i] = c.String()
		} else {
			out[i] = c.Int()
		}
	}
	return out
}
