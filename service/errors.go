package service

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrAlreadyRegistered     = errors.New("identity already registered")
	ErrNotRegistered         = errors.New("identity not registered")
	ErrNoCheckedInValidators = errors.New("no validator checked in since the last distribution")
	ErrNothingToDistribute   = errors.New("reward pool is empty")
	ErrSelfLink              = errors.New("identity cannot be linked to itself")
	ErrTooManyAlternates     = errors.New("too many alternate identities")
	ErrAlreadyLinked         = errors.New("identity already linked")
	ErrNotLinked             = errors.New("identity not linked")
	ErrUnknownContract       = errors.New("unknown or closed contract")
	ErrStaleCaches           = errors.New("derived state is stale")
	ErrInvalidTransfer       = errors.New("invalid transfer")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrDuplicateTransfer     = errors.New("transfer already recorded")
)
