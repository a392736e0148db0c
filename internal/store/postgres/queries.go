package postgres

const queryCountTables = `
SELECT COUNT(*)
FROM information_schema.tables
WHERE table_schema = current_schema()
  AND table_name = ANY($1)
`

const jobColumns = `
    job_key, name, description, interval_seconds, enabled,
    last_run_at, last_status, last_duration_ms, last_message, next_run_at`

const queryUpsertJob = `
INSERT INTO jobs (job_key, name, description, interval_seconds, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (job_key) DO UPDATE
SET name = EXCLUDED.name,
    description = EXCLUDED.description,
    interval_seconds = EXCLUDED.interval_seconds,
    updated_at = EXCLUDED.updated_at
`

const queryDueJobs = `
SELECT` + jobColumns + `
FROM jobs
WHERE enabled
  AND (next_run_at IS NULL OR next_run_at <= $1)
ORDER BY COALESCE(next_run_at, $1) ASC, job_key ASC
LIMIT $2
`

const queryGetJob = `
SELECT` + jobColumns + `
FROM jobs
WHERE job_key = $1
`

const queryListJobs = `
SELECT` + jobColumns + `
FROM jobs
ORDER BY job_key ASC
`

const queryRecordJobResult = `
UPDATE jobs
SET last_run_at = $2,
    last_status = $3,
    last_duration_ms = $4,
    last_message = $5,
    next_run_at = $6,
    updated_at = $7
WHERE job_key = $1
`

// The conflict branch only fires for an expired lock. A live lock makes the
// statement return no row.
const queryAcquireLock = `
INSERT INTO job_locks (job_key, owner, locked_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_key) DO UPDATE
SET owner = EXCLUDED.owner,
    locked_at = EXCLUDED.locked_at,
    expires_at = EXCLUDED.expires_at
WHERE job_locks.expires_at < EXCLUDED.locked_at
RETURNING owner
`

const queryReleaseLock = `
DELETE FROM job_locks WHERE job_key = $1 AND owner = $2
`

const queryInsertRun = `
INSERT INTO job_runs (id, job_key, status, started_at, finished_at, duration_ms, message, trace, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
`

const queryFinishRun = `
UPDATE job_runs
SET status = $2,
    finished_at = $3,
    duration_ms = $4,
    message = $5,
    trace = $6,
    metadata = $7::jsonb
WHERE id = $1
`

const runColumns = `
    id, job_key, status, started_at, finished_at, duration_ms, message, trace, metadata`

const queryListRuns = `
SELECT` + runColumns + `
FROM job_runs
WHERE job_key = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3
`

const queryStaleRuns = `
SELECT` + runColumns + `
FROM job_runs
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`

const queryAbandonRun = `
UPDATE job_runs
SET status = 'failed',
    finished_at = $2,
    duration_ms = $3,
    message = $4
WHERE id = $1
  AND status = 'running'
`

const queryAuditCharacters = `
SELECT character_id, name, scopes, access_token, token_expires_at
FROM audit_characters
WHERE enabled
ORDER BY character_id ASC
`

const queryUpsertCharacter = `
INSERT INTO audit_characters (character_id, name, scopes, access_token, token_expires_at, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (character_id) DO UPDATE
SET name = EXCLUDED.name,
    scopes = EXCLUDED.scopes,
    access_token = EXCLUDED.access_token,
    token_expires_at = EXCLUDED.token_expires_at,
    enabled = EXCLUDED.enabled,
    updated_at = EXCLUDED.updated_at
`

const querySaveSnapshot = `
INSERT INTO character_audits (character_id, fields, updated_at)
VALUES ($1, $2::jsonb, $3)
ON CONFLICT (character_id) DO UPDATE
SET fields = character_audits.fields || EXCLUDED.fields,
    updated_at = EXCLUDED.updated_at
`

const queryGetSnapshot = `
SELECT fields, updated_at FROM character_audits WHERE character_id = $1
`

const querySaveEntityName = `
INSERT INTO entity_names (id, name, category, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    category = EXCLUDED.category,
    updated_at = EXCLUDED.updated_at
`
