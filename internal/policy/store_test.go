package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cleanlyhq/bookingflow/internal/dynamotest"
	"github.com/cleanlyhq/bookingflow/internal/orders"
)

func TestPublishAssignsVersionsAndDeactivatesPrior(t *testing.T) {
	fake := dynamotest.New()
	s := NewStore(fake, "policies")
	ctx := context.Background()

	v1, err := s.Publish(ctx, Policy{
		ServiceType:        orders.ServiceOnSite,
		NoticeHours:        24,
		CancellationFeeBps: 1000,
		AllowCancellation:  true,
	})
	if err != nil {
		t.Fatalf("publish v1: %v", err)
	}
	if v1.Version != 1 || !v1.Active || v1.PolicyID == "" {
		t.Fatalf("unexpected v1: %+v", v1)
	}

	v2, err := s.Publish(ctx, Policy{
		ServiceType:        orders.ServiceOnSite,
		NoticeHours:        48,
		CancellationFeeBps: 2000,
		AllowCancellation:  true,
	})
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	active, err := s.Active(ctx, orders.ServiceOnSite)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil || active.Version != 2 || active.NoticeHours != 48 {
		t.Fatalf("unexpected active policy: %+v", active)
	}

	// The prior row must be flipped inactive inside the same transaction.
	raw := fake.Raw("policies", string(orders.ServiceOnSite)+"#1")
	if raw == nil {
		t.Fatalf("v1 row missing")
	}
	if b, ok := raw["active"].(*types.AttributeValueMemberBOOL); !ok || b.Value {
		t.Fatalf("v1 still active: %+v", raw["active"])
	}
}

func TestActiveIsNilWithoutPublishes(t *testing.T) {
	fake := dynamotest.New()
	s := NewStore(fake, "policies")

	p, err := s.Active(context.Background(), orders.ServicePickupDelivery)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil policy, got %+v", p)
	}
}

func TestPublishVersionRace(t *testing.T) {
	fake := dynamotest.New()
	s := NewStore(fake, "policies")
	ctx := context.Background()

	fake.FailNext("transact", &types.TransactionCanceledException{})
	_, err := s.Publish(ctx, Policy{ServiceType: orders.ServiceOnSite, AllowCancellation: true})
	if !errors.Is(err, ErrVersionRace) {
		t.Fatalf("expected ErrVersionRace, got %v", err)
	}
}

func TestPoliciesArePerServiceType(t *testing.T) {
	fake := dynamotest.New()
	s := NewStore(fake, "policies")
	ctx := context.Background()

	if _, err := s.Publish(ctx, Policy{ServiceType: orders.ServiceOnSite, NoticeHours: 24, AllowCancellation: true}); err != nil {
		t.Fatalf("publish on-site: %v", err)
	}
	if _, err := s.Publish(ctx, Policy{ServiceType: orders.ServicePickupDelivery, NoticeHours: 12, AllowCancellation: true}); err != nil {
		t.Fatalf("publish pickup: %v", err)
	}

	onSite, _ := s.Active(ctx, orders.ServiceOnSite)
	pickup, _ := s.Active(ctx, orders.ServicePickupDelivery)
	if onSite.NoticeHours != 24 || pickup.NoticeHours != 12 {
		t.Fatalf("policies crossed service types: %+v / %+v", onSite, pickup)
	}
	if onSite.Version != 1 || pickup.Version != 1 {
		t.Fatalf("versions are per service type: %d / %d", onSite.Version, pickup.Version)
	}
}
