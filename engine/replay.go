package engine

import (
	"fmt"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
)

// Replay rebuilds a model from a serialized snapshot (nil for an empty model
// from NewModel) and the records that follow it. Records must continue
// snapshotSeq without gaps; those at or below it are skipped. Commands are
// applied with Apply only. It returns the model and the last sequence applied.
func Replay[M any](opts Options[M], snapshot []byte, snapshotSeq uint64, records []core.OperationRecord) (M, uint64, error) {
	var zero M
	if opts.NewModel == nil || opts.Registry == nil {
		return zero, 0, fmt.Errorf("replay: NewModel and Registry are required")
	}
	if opts.Serializer == nil {
		opts.Serializer = codec.GobSerializer{}
	}

	model := opts.NewModel()
	if snapshot != nil {
		m, err := decodeModel(opts, snapshot)
		if err != nil {
			return zero, 0, core.NewFault(core.FaultProtocol, "Replay", fmt.Errorf("snapshot at %d: %w", snapshotSeq, err))
		}
		model = m
	}

	seq := snapshotSeq
	for _, rec := range records {
		if rec.Sequence <= seq {
			continue
		}
		if rec.Sequence != seq+1 {
			return zero, 0, core.NewFault(core.FaultProtocol, "Replay",
				fmt.Errorf("%w: expected %d, found %d", core.ErrSequenceGap, seq+1, rec.Sequence))
		}
		cmd, err := decodeCommand(opts, rec)
		if err != nil {
			return zero, 0, core.NewFault(core.FaultProtocol, "Replay", err)
		}
		if _, err := applySafely(cmd, model); err != nil {
			return zero, 0, core.NewFault(core.FaultApply, "Replay",
				fmt.Errorf("record %d (%s) did not replay: %w", rec.Sequence, rec.CommandType, err))
		}
		seq = rec.Sequence
	}
	return model, seq, nil
}

// decodeCommand turns a journal record back into a command.
func decodeCommand[M any](opts Options[M], rec core.OperationRecord) (core.Command[M], error) {
	v, err := opts.Registry.Decode(opts.Serializer, rec.CommandType, rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", rec.Sequence, err)
	}
	cmd, ok := v.(core.Command[M])
	if !ok {
		return nil, fmt.Errorf("record %d: type %s (%T) is not a command for this model", rec.Sequence, rec.CommandType, v)
	}
	return cmd, nil
}

func encodeModel[M any](opts Options[M], model M) ([]byte, error) {
	data, err := opts.Serializer.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}
	return data, nil
}

func decodeModel[M any](opts Options[M], data []byte) (M, error) {
	var m M
	if err := opts.Serializer.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to deserialize model: %w", err)
	}
	return m, nil
}

func cloneModel[M any](opts Options[M], model M) (M, error) {
	if opts.Clone != nil {
		return opts.Clone(model), nil
	}
	data, err := encodeModel(opts, model)
	if err != nil {
		return model, err
	}
	return decodeModel(opts, data)
}

// applySafely runs Apply and converts a panic into an error.
func applySafely[M any](cmd core.Command[M], model M) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r}
		}
	}()
	return cmd.Apply(model)
}

// callSafely runs a read-only function and converts a panic into an error.
func callSafely[M any](fn func(M) (any, error), model M) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r}
		}
	}()
	return fn(model)
}
