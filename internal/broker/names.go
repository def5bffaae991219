package broker

import "fmt"

// Namer derives broker-side queue names from caller-facing queue names.
// All names are namespaced by tenant and environment so that multiple
// deployments can share one broker.
type Namer struct {
	Tenant string
	Env    string
}

// QueueName returns the namespaced main queue name.
func (n Namer) QueueName(queue string) string {
	return fmt.Sprintf("%s.%s.%s", n.Tenant, n.Env, queue)
}

// RetryQueueName returns the delayed retry queue for the given attempt
// tier. Each tier is its own queue so per-tier delays can differ.
func (n Namer) RetryQueueName(queue string, attempt int) string {
	return fmt.Sprintf("%s.retry.%d", n.QueueName(queue), attempt)
}

// DLQName returns the dead-letter queue name.
func (n Namer) DLQName(queue string) string {
	return n.QueueName(queue) + ".dlq"
}
