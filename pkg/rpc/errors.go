package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// ToStatus maps a service error onto a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codeOf(xerrors.KindOf(err)), err.Error())
}

func codeOf(kind xerrors.Kind) codes.Code {
	switch kind {
	case xerrors.KindNotFound:
		return codes.NotFound
	case xerrors.KindConflict:
		return codes.Aborted
	case xerrors.KindInvalid, xerrors.KindInvalidStream:
		return codes.InvalidArgument
	case xerrors.KindUnavailable, xerrors.KindBusy:
		return codes.Unavailable
	case xerrors.KindUnimplemented:
		return codes.Unimplemented
	case xerrors.KindDeadline:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// FromStatus maps a gRPC status error back onto an xerrors kind, so callers
// can test client errors with xerrors.Is. InvalidArgument comes back as
// KindInvalid; streaming callers decide whether that means a bad stream.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind xerrors.Kind
	switch s.Code() {
	case codes.NotFound:
		kind = xerrors.KindNotFound
	case codes.Aborted:
		kind = xerrors.KindConflict
	case codes.InvalidArgument:
		kind = xerrors.KindInvalid
	case codes.Unavailable:
		kind = xerrors.KindUnavailable
	case codes.Unimplemented:
		kind = xerrors.KindUnimplemented
	case codes.DeadlineExceeded:
		kind = xerrors.KindDeadline
	default:
		return err
	}
	return xerrors.Wrap(kind, "rpc", "", errors.New(s.Message()))
}
