package broker

import "testing"

func TestNamer(t *testing.T) {
	n := Namer{Tenant: "acme", Env: "prod"}

	if got := n.QueueName("orders.created"); got != "acme.prod.orders.created" {
		t.Fatalf("QueueName = %q", got)
	}
	if got := n.RetryQueueName("orders.created", 3); got != "acme.prod.orders.created.retry.3" {
		t.Fatalf("RetryQueueName = %q", got)
	}
	if got := n.DLQName("orders.created"); got != "acme.prod.orders.created.dlq" {
		t.Fatalf("DLQName = %q", got)
	}
}
