package ledgersync

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
)

// Upstream is anything that can answer NextBlock: the local Server itself or
// a Client talking to a remote one.
type Upstream interface {
	NextBlock(ctx context.Context, req *NextBlockRequest) (*NextBlockResponse, error)
}

// Server answers sync requests from the local ledger.
type Server struct {
	ledger *ledger.Ledger
}

func NewServer(l *ledger.Ledger) *Server {
	return &Server{ledger: l}
}

func (s *Server) NextBlock(ctx context.Context, req *NextBlockRequest) (*NextBlockResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	var start int64
	if req.StartPosition != nil {
		start = *req.StartPosition
	}
	if start < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative start position %d", start)
	}
	pos, ok := s.ledger.PositionAtOrAfter(start)
	if !ok {
		return &NextBlockResponse{HasBlock: false}, nil
	}
	b, next, err := s.ledger.ReadBlockAt(pos)
	if err != nil {
		logx.Error("SYNC", fmt.Sprintf("read block at %d: %v", pos, err))
		return nil, status.Errorf(codes.Internal, "read block at %d: %v", pos, err)
	}

	resp := &NextBlockResponse{
		HasBlock:            true,
		BlockHeader:         b.EncodeHeader(),
		BlockHash:           b.Hash.Bytes(),
		BlockPosition:       int64Ptr(pos),
		NextBlockPosition:   int64Ptr(next),
		EntriesCount:        b.EntryCount,
		MoreBlocksAvailable: next < s.ledger.Size(),
	}
	if req.IncludeData {
		if req.MaxEntries != nil && b.EntryCount > *req.MaxEntries {
			// the block does not fit: point back at it so the caller can retry with a larger limit
			resp.NextBlockPosition = int64Ptr(pos)
			resp.MoreBlocksAvailable = true
			return resp, nil
		}
		resp.BlockData = b.EncodeEntries()
	}
	return resp, nil
}
