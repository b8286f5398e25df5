package repository

// CreateTablesSQL 提供编排状态表结构（可用于初始化/迁移）。
//
// 实例行从不删除；归档可在业务侧按 completed_at_ms 分区或搬迁。
const CreateTablesSQL = `
CREATE SCHEMA IF NOT EXISTS payment_orchestration;

CREATE TABLE IF NOT EXISTS payment_orchestration.saga_instances (
  saga_id VARCHAR(64) PRIMARY KEY,
  definition_name VARCHAR(128) NOT NULL,
  tenant_id VARCHAR(64) NOT NULL DEFAULT '',
  business_unit_id VARCHAR(64) NOT NULL DEFAULT '',
  correlation_id VARCHAR(128) NOT NULL DEFAULT '',
  idempotency_key VARCHAR(256) NOT NULL,
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  status VARCHAR(16) NOT NULL,
  current_step_index INT NOT NULL DEFAULT 0,
  version BIGINT NOT NULL DEFAULT 0,
  started_at_ms BIGINT NOT NULL,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  last_transition_at_ms BIGINT NOT NULL,
  deadline_ms BIGINT NOT NULL DEFAULT 0,
  error_detail TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_saga_instances_idem
  ON payment_orchestration.saga_instances(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_saga_instances_stalled
  ON payment_orchestration.saga_instances(status, last_transition_at_ms);
CREATE INDEX IF NOT EXISTS idx_saga_instances_tenant
  ON payment_orchestration.saga_instances(tenant_id, started_at_ms DESC);

CREATE TABLE IF NOT EXISTS payment_orchestration.saga_steps (
  saga_id VARCHAR(64) NOT NULL REFERENCES payment_orchestration.saga_instances(saga_id),
  sequence INT NOT NULL,
  step_name VARCHAR(128) NOT NULL,
  status VARCHAR(16) NOT NULL,
  attempt INT NOT NULL DEFAULT 0,
  started_at_ms BIGINT NOT NULL DEFAULT 0,
  completed_at_ms BIGINT NOT NULL DEFAULT 0,
  result_data JSONB NOT NULL DEFAULT '{}'::jsonb,
  error_detail TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (saga_id, sequence)
);

CREATE TABLE IF NOT EXISTS payment_orchestration.saga_events (
  event_id BIGINT PRIMARY KEY,
  saga_id VARCHAR(64) NOT NULL,
  event_type VARCHAR(64) NOT NULL,
  event_data JSONB NOT NULL DEFAULT '{}'::jsonb,
  tenant_id VARCHAR(64) NOT NULL DEFAULT '',
  business_unit_id VARCHAR(64) NOT NULL DEFAULT '',
  correlation_id VARCHAR(128) NOT NULL DEFAULT '',
  occurred_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_events_saga
  ON payment_orchestration.saga_events(saga_id, event_id);
`
