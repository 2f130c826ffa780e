package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pharmatrace/internal/domain"
)

func (r Repo) LatestEvents(ctx context.Context, limit int, batchID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, batchID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, batchID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if batchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, batchID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,batch_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var batch, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &batch, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if batch.Valid {
			e.BatchID = batch.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
