package repository

import (
	"strings"
	"testing"
)

func TestLatestForContactLocksTicketRow(t *testing.T) {
	query := strings.Join(strings.Fields(latestForContactQuery), " ")
	if !strings.HasSuffix(query, "LIMIT 1 FOR UPDATE") {
		t.Fatalf("latest ticket lookup must lock the row, got %q", query)
	}
	if !strings.Contains(query, "WHERE tenant_id=$1 AND contact_id=$2") {
		t.Fatalf("lookup must be scoped to tenant and contact, got %q", query)
	}
}
