package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// AcceptQuestParams are the arguments of the on-chain accept-quest
// instruction: the stake committed by the quest owner and the hash binding
// the stake to the exact proposal text being accepted.
type AcceptQuestParams struct {
	Quest               string
	Offeree             string
	StakeAmount         uint64
	OffereeProposalHash [32]byte
}

// Builder produces instructions for the staking program. It is the only
// surface of the program this system depends on.
type Builder interface {
	AcceptQuest(ctx context.Context, p AcceptQuestParams) (Instruction, error)
}

// Program builds instructions for a deployed program id.
type Program struct {
	ID string
}

// NewProgram returns a Builder for the given program id.
func NewProgram(id string) *Program {
	return &Program{ID: id}
}

// lamportsPerUnit converts the user-facing stake figure into the integral
// on-chain amount.
const LamportsPerUnit = 1_000_000_000

var ErrNoProgram = errors.New("chain: program id not configured")

// AcceptQuest encodes the instruction: an 8-byte method discriminator, the
// little-endian stake and the 32-byte proposal hash, referencing the quest,
// offeree and offeror accounts.
func (p *Program) AcceptQuest(_ context.Context, params AcceptQuestParams) (Instruction, error) {
	if p == nil || p.ID == "" {
		return Instruction{}, ErrNoProgram
	}
	if params.Quest == "" || params.Offeree == "" {
		return Instruction{}, fmt.Errorf("chain: accept quest requires quest and offeree accounts")
	}
	disc := sha256.Sum256([]byte("global:accept_quest"))
	data := make([]byte, 8+8+32)
	copy(data, disc[:8])
	binary.LittleEndian.PutUint64(data[8:16], params.StakeAmount)
	copy(data[16:], params.OffereeProposalHash[:])

	return Instruction{
		ProgramID: p.ID,
		Accounts: []AccountMeta{
			{Address: params.Quest, Writable: true},
			{Address: params.Offeree, Writable: true},
		},
		Data: data,
	}, nil
}

// Lamports converts a stake expressed in whole units to lamports.
func Lamports(stake float64) uint64 {
	if stake <= 0 {
		return 0
	}
	return uint64(stake * LamportsPerUnit)
}
