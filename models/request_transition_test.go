package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/stockroom_backend/models"
)

func TestRequestTransitions(t *testing.T) {
	allowed := []struct {
		from models.RequestStatus
		to   models.RequestStatus
	}{
		{models.RequestStatusDraft, models.RequestStatusSubmitted},
		{models.RequestStatusSubmitted, models.RequestStatusApproved},
		{models.RequestStatusSubmitted, models.RequestStatusRejected},
		{models.RequestStatusApproved, models.RequestStatusFulfilled},
	}
	for _, c := range allowed {
		if !models.CanTransitionRequest(c.from, c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}

	denied := []struct {
		from models.RequestStatus
		to   models.RequestStatus
	}{
		{models.RequestStatusDraft, models.RequestStatusApproved},
		{models.RequestStatusDraft, models.RequestStatusRejected},
		{models.RequestStatusDraft, models.RequestStatusFulfilled},
		{models.RequestStatusSubmitted, models.RequestStatusDraft},
		{models.RequestStatusSubmitted, models.RequestStatusFulfilled},
		{models.RequestStatusApproved, models.RequestStatusSubmitted},
		{models.RequestStatusApproved, models.RequestStatusRejected},
		// Terminal states have no outgoing edges; voiding the pickup
		// signature never reverts FULFILLED.
		{models.RequestStatusRejected, models.RequestStatusSubmitted},
		{models.RequestStatusFulfilled, models.RequestStatusApproved},
		{models.RequestStatusFulfilled, models.RequestStatusDraft},
	}
	for _, c := range denied {
		if models.CanTransitionRequest(c.from, c.to) {
			t.Errorf("expected %s -> %s to be denied", c.from, c.to)
		}
	}
}

func TestRequestStatusIsTerminal(t *testing.T) {
	if models.RequestStatusDraft.IsTerminal() || models.RequestStatusSubmitted.IsTerminal() || models.RequestStatusApproved.IsTerminal() {
		t.Error("non-terminal status reported as terminal")
	}
	if !models.RequestStatusRejected.IsTerminal() {
		t.Error("REJECTED should be terminal")
	}
	if !models.RequestStatusFulfilled.IsTerminal() {
		t.Error("FULFILLED should be terminal")
	}
}

func TestParseRequestStatus(t *testing.T) {
	for _, s := range []string{"DRAFT", "SUBMITTED", "APPROVED", "REJECTED", "FULFILLED"} {
		got, err := models.ParseRequestStatus(s)
		if err != nil {
			t.Fatalf("ParseRequestStatus(%q): %v", s, err)
		}
		if string(got) != s {
			t.Errorf("ParseRequestStatus(%q) = %q", s, got)
		}
	}
	if _, err := models.ParseRequestStatus("PENDING"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := models.ParseRequestStatus("draft"); err == nil {
		t.Error("statuses are case sensitive")
	}
}
