package main

import (
	"context"
	"fmt"
	"time"
)

// statementClass orders DDL: structural statements create tables, index-like
// statements add indexes and foreign keys once the data is in place.
type statementClass int

const (
	classStructural statementClass = iota
	classIndexLike
)

func (c statementClass) String() string {
	if c == classIndexLike {
		return "index-like"
	}
	return "structural"
}

// classifyStatement marks a statement index-like when it carries an INDEX or
// FOREIGN keyword outside identifiers, literals and comments.
func classifyStatement(stmt string) statementClass {
	for _, tok := range lexSQL(stmt) {
		if tok.isKeyword("INDEX") || tok.isKeyword("FOREIGN") {
			return classIndexLike
		}
	}
	return classStructural
}

// partitionStatements splits statements by class, keeping compiler order
// within each class.
func partitionStatements(stmts []string) (structural, indexLike []string) {
	for _, s := range stmts {
		if classifyStatement(s) == classIndexLike {
			indexLike = append(indexLike, s)
		} else {
			structural = append(structural, s)
		}
	}
	return structural, indexLike
}

// statementExecutor runs one DDL statement on the destination.
type statementExecutor interface {
	Exec(ctx context.Context, stmt string) error
}

// SchemaApplier runs DDL on the destination in two passes. Each statement
// runs on its own; the first failure stops the pass and nothing is rolled
// back.
type SchemaApplier struct {
	exec     statementExecutor
	progress ProgressReporter
}

func newSchemaApplier(exec statementExecutor, progress ProgressReporter) *SchemaApplier {
	if progress == nil {
		progress = NopReporter{}
	}
	return &SchemaApplier{exec: exec, progress: progress}
}

func (a *SchemaApplier) ApplyStructural(ctx context.Context, phase Phase, stmts []string) error {
	return a.run(ctx, phase, "structural DDL", stmts)
}

func (a *SchemaApplier) ApplyIndexLike(ctx context.Context, phase Phase, stmts []string) error {
	return a.run(ctx, phase, "index DDL", stmts)
}

func (a *SchemaApplier) run(ctx context.Context, phase Phase, name string, stmts []string) error {
	start := time.Now()
	a.progress.StartPhase(phase, len(stmts))
	for i, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.exec.Exec(ctx, stmt); err != nil {
			if isObjectExists(err) {
				err = fmt.Errorf("%w: %w", errObjectExists, err)
			}
			return ddlError(name, stmt, err)
		}
		a.progress.Progress(phase, i+1, len(stmts))
	}
	a.progress.CompletePhase(phase, len(stmts), time.Since(start))
	return nil
}
