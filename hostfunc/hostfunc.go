package hostfunc

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/nathsou/wapps/framebuffer"
)

// ModuleName is the import module guests link host functions from.
const ModuleName = "wapps"

// PublishFrameName is the frame publication import.
const PublishFrameName = "publish_frame"

// Instantiate builds the "wapps" host module inside rt and wires
// publish_frame to board. It must be called before the guest module is
// instantiated, once per runtime.
//
// publish_frame(width, height, pointer) records where the guest's
// current pixel buffer lives. It never allocates and never traps:
// impossible values are recorded as given and judged when the frame is
// presented, so a buggy publish costs a skipped frame, not the session.
func Instantiate(ctx context.Context, rt wazero.Runtime, board *framebuffer.Board) error {
	_, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			width := api.DecodeU32(stack[0])
			height := api.DecodeU32(stack[1])
			pointer := api.DecodeU32(stack[2])
			board.Publish(width, height, pointer)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export(PublishFrameName).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate %s host module: %w", ModuleName, err)
	}
	return nil
}
