package coordination

import "fmt"

// Redis key schema, scoped per (tenant, entity, id):
//
//	presence:{tenant}:{entity}:{id}:users            SET of user ids, sliding TTL
//	presence:{tenant}:{entity}:{id}:lock:{field}     STRING owner user id, SET NX with TTL
//	presence:{tenant}:{entity}:{id}:stale            STRING "true", 5 minute safety TTL
//	presence:{tenant}:{entity}:{id}:busyBy           STRING user id, 5 minute safety TTL
//	presence:{tenant}:{entity}:{id}:version          INT counter, 24 hour TTL
//	presence:applied:{topic}:{partition}             INT last applied log offset
func usersKey(tenantID, entity, id string) string {
	return fmt.Sprintf("presence:%s:%s:%s:users", tenantID, entity, id)
}

func fieldLockKey(tenantID, entity, id, field string) string {
	return fmt.Sprintf("presence:%s:%s:%s:lock:%s", tenantID, entity, id, field)
}

func staleKey(tenantID, entity, id string) string {
	return fmt.Sprintf("presence:%s:%s:%s:stale", tenantID, entity, id)
}

func busyByKey(tenantID, entity, id string) string {
	return fmt.Sprintf("presence:%s:%s:%s:busyBy", tenantID, entity, id)
}

func versionKey(tenantID, entity, id string) string {
	return fmt.Sprintf("presence:%s:%s:%s:version", tenantID, entity, id)
}

func appliedOffsetKey(topic string, partition int) string {
	return fmt.Sprintf("presence:applied:%s:%d", topic, partition)
}
