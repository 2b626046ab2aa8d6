// Package scheduler registers cron and interval triggers and turns each
// firing into a task on the task engine. Overlap handling, retries and
// timeouts belong to the engine.
package scheduler
