/*
Package resilience provides a circuit breaker for calls to external
collaborators.

The orchestrator fronts every container-runtime invocation and every
artifact upload with a breaker so that a dead daemon or storage endpoint
fails fast instead of stalling request handlers until their timeouts.

# Usage

	breaker := resilience.New("container-runtime", resilience.Settings{
		MaxRequests: 2,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	result, err := breaker.Execute(func() (interface{}, error) {
		return client.Call()
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
*/
package resilience
