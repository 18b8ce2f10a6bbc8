package market

import "errors"

var (
	ErrNotOwner           = errors.New("market: caller is not the contract owner")
	ErrInvalidPolicy      = errors.New("market: invalid reward type")
	ErrDuplicatePolicy    = errors.New("market: reward type already exists")
	ErrUnknownPolicy      = errors.New("market: reward type not found")
	ErrPolicyInUse        = errors.New("market: reward type referenced by live items")
	ErrUnknownItemType    = errors.New("market: item references unknown reward type")
	ErrZeroPrice          = errors.New("market: item price must be positive")
	ErrItemNotFound       = errors.New("market: item not found")
	ErrItemNotOffered     = errors.New("market: item is not open to bids")
	ErrItemNotUnderEscrow = errors.New("market: item is not under escrow")
	ErrInsufficientAmount = errors.New("market: bid amount below item price")
	ErrSelfBid            = errors.New("market: seller cannot bid on own item")
	ErrNotParty           = errors.New("market: caller is not a party to the escrow")
	ErrEscrowExpired      = errors.New("market: escrow deadline passed")
	ErrEscrowNotExpired   = errors.New("market: escrow deadline not reached")
	ErrInsufficientFunds  = errors.New("market: insufficient balance")
)
