package models

import "errors"

type RequestStatus string

const (
	RequestStatusDraft     RequestStatus = "DRAFT"
	RequestStatusSubmitted RequestStatus = "SUBMITTED"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusRejected  RequestStatus = "REJECTED"
	RequestStatusFulfilled RequestStatus = "FULFILLED"
)

// allowedRequestTransitions drives the request state machine. Terminal states
// (REJECTED, FULFILLED) have no outgoing edges; pickup-signature voiding on a
// FULFILLED request never reverts status.
var allowedRequestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusDraft:     {RequestStatusSubmitted},
	RequestStatusSubmitted: {RequestStatusApproved, RequestStatusRejected},
	RequestStatusApproved:  {RequestStatusFulfilled},
	RequestStatusRejected:  {},
	RequestStatusFulfilled: {},
}

func CanTransitionRequest(from RequestStatus, to RequestStatus) bool {
	for _, next := range allowedRequestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RequestStatus) IsTerminal() bool {
	return len(allowedRequestTransitions[s]) == 0
}

func ParseRequestStatus(str string) (RequestStatus, error) {
	switch RequestStatus(str) {
	case RequestStatusDraft, RequestStatusSubmitted, RequestStatusApproved,
		RequestStatusRejected, RequestStatusFulfilled:
		return RequestStatus(str), nil
	}
	return "", errors.New("invalid request status")
}

type ProductStatus string

const (
	ProductStatusOutOfStock ProductStatus = "OUT_OF_STOCK"
	ProductStatusLowStock   ProductStatus = "LOW_STOCK"
	ProductStatusInStock    ProductStatus = "IN_STOCK"
)

type ProductUnitStatus string

const (
	ProductUnitStatusInStock  ProductUnitStatus = "IN_STOCK"
	ProductUnitStatusAcquired ProductUnitStatus = "ACQUIRED"
	ProductUnitStatusLost     ProductUnitStatus = "LOST"
	ProductUnitStatusScrapped ProductUnitStatus = "SCRAPPED"
)

type StockMovementType string

const (
	StockMovementTypeIn     StockMovementType = "IN"
	StockMovementTypeOut    StockMovementType = "OUT"
	StockMovementTypeReturn StockMovementType = "RETURN"
	StockMovementTypeLost   StockMovementType = "LOST"
	StockMovementTypeScrap  StockMovementType = "SCRAP"
)

// signedQty gives the contribution of one movement row to a product's
// on-hand quantity. The running sum over all rows equals Product.Quantity.
func (t StockMovementType) signedQty(qty int) int {
	switch t {
	case StockMovementTypeIn, StockMovementTypeReturn:
		return qty
	case StockMovementTypeOut, StockMovementTypeLost, StockMovementTypeScrap:
		return -qty
	}
	return 0
}

type EventReferenceType string

const (
	EventReferenceTypeRequest     EventReferenceType = "RQ"
	EventReferenceTypeInvoice     EventReferenceType = "IV"
	EventReferenceTypeProductUnit EventReferenceType = "PU"
)

type EventAction string

const (
	EventActionCreate EventAction = "C"
	EventActionUpdate EventAction = "U"
	EventActionDelete EventAction = "D"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleStaff UserRole = "S"
)

type SignatureSlot string

const (
	SignatureSlotApproval SignatureSlot = "APPROVAL"
	SignatureSlotPickup   SignatureSlot = "PICKUP"
)
