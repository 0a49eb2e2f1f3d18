package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id VARCHAR(255) PRIMARY KEY,
				owner_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				spec_json JSONB,
				spec_version INTEGER NOT NULL DEFAULT 1,
				trigger_json JSONB,
				engine_workflow_id VARCHAR(255) NOT NULL DEFAULT '',
				idempotency_key VARCHAR(512) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_owner_id ON workflows(owner_id);
			CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
			CREATE INDEX IF NOT EXISTS idx_workflows_engine_workflow_id ON workflows(engine_workflow_id) WHERE engine_workflow_id != '';
			CREATE INDEX IF NOT EXISTS idx_workflows_idempotency_key ON workflows(idempotency_key) WHERE idempotency_key != '';
		`,
		2: `
			CREATE TABLE IF NOT EXISTS workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				owner_id VARCHAR(255) NOT NULL,
				spec_version_used INTEGER NOT NULL DEFAULT 1,
				input_json JSONB,
				output_json JSONB,
				status VARCHAR(50) NOT NULL,
				engine_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				current_step_index INTEGER NOT NULL DEFAULT 0,
				idempotency_key VARCHAR(512) NOT NULL DEFAULT '',
				row_version BIGINT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_owner_id ON workflow_executions(owner_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_engine_execution_id ON workflow_executions(engine_execution_id) WHERE engine_execution_id != '';
			CREATE INDEX IF NOT EXISTS idx_workflow_executions_idempotency_key ON workflow_executions(idempotency_key) WHERE idempotency_key != '';
		`,
	}
}
