package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	OutputPlugin = "pgoutput"
)

type ReplicationConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
}

// HandlerError reports a change the handlers could not record. The stream
// must be restarted from the last confirmed position.
type HandlerError struct {
	LSN pglogrepl.LSN
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("change at LSN %s not recorded: %v", e.LSN, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	handler   EventHandler
	logger    *slog.Logger

	// confirmed is the end of the last WAL record whose changes were all
	// recorded. Only this position is reported back to the server.
	confirmed pglogrepl.LSN
	failed    bool

	xid        uint32
	commitTime time.Time
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *slog.Logger) *ReplicationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		handler:   handler,
		logger:    logger,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s replication=database",
		rc.config.Host,
		rc.config.Port,
		rc.config.Database,
		rc.config.User,
		rc.config.Password,
	)

	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info("Created replication slot", "slot", result.SlotName, "lsn", result.ConsistentPoint)
	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	rc.confirmed = startLSN
	rc.failed = false
	return nil
}

// Confirmed returns the last position whose changes were all recorded.
func (rc *ReplicationClient) Confirmed() pglogrepl.LSN {
	return rc.confirmed
}

func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}
	if rc.failed {
		return fmt.Errorf("stream stopped after a failed change; restart from %s", rc.confirmed)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error from server: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(ctx, rc.confirmed)
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	if err := rc.processWALData(xld.WALData, xld.WALStart); err != nil {
		if IsHandlerError(err) {
			rc.failed = true
		}
		return err
	}

	if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > rc.confirmed {
		rc.confirmed = end
	}
	return nil
}

func (rc *ReplicationClient) processWALData(walData []byte, lsn pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	var change *ChangeEvent
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg
		return nil

	case *pglogrepl.BeginMessage:
		rc.xid = msg.Xid
		rc.commitTime = msg.CommitTime
		return nil

	case *pglogrepl.CommitMessage:
		rc.xid = 0
		return nil

	case *pglogrepl.InsertMessage:
		change, err = rc.insertChange(msg)

	case *pglogrepl.UpdateMessage:
		change, err = rc.updateChange(msg)

	case *pglogrepl.DeleteMessage:
		change, err = rc.deleteChange(msg)

	default:
		return nil
	}
	if err != nil {
		return err
	}

	change.TransactionID = rc.xid
	change.LSN = uint64(lsn)
	if !rc.commitTime.IsZero() {
		change.Timestamp = rc.commitTime
	}
	if rc.handler == nil {
		return nil
	}
	if err := rc.handler.HandleChange(change); err != nil {
		return &HandlerError{LSN: lsn, Err: err}
	}
	return nil
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status)
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		err := rc.conn.Close(ctx)
		rc.conn = nil
		return err
	}
	return nil
}

func (rc *ReplicationClient) insertChange(msg *pglogrepl.InsertMessage) (*ChangeEvent, error) {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	values := tupleToMap(rel, msg.Tuple)

	return &ChangeEvent{
		TableName:  rel.RelationName,
		Operation:  OperationInsert,
		Timestamp:  time.Now(),
		NewData:    values,
		PrimaryKey: extractPrimaryKey(rel, values),
	}, nil
}

func (rc *ReplicationClient) updateChange(msg *pglogrepl.UpdateMessage) (*ChangeEvent, error) {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	newValues := tupleToMap(rel, msg.NewTuple)
	var oldValues map[string]interface{}
	if msg.OldTuple != nil {
		oldValues = tupleToMap(rel, msg.OldTuple)
	}

	return &ChangeEvent{
		TableName:  rel.RelationName,
		Operation:  OperationUpdate,
		Timestamp:  time.Now(),
		NewData:    newValues,
		OldData:    oldValues,
		PrimaryKey: extractPrimaryKey(rel, newValues),
	}, nil
}

func (rc *ReplicationClient) deleteChange(msg *pglogrepl.DeleteMessage) (*ChangeEvent, error) {
	rel, ok := rc.relations[msg.RelationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", msg.RelationID)
	}

	var values map[string]interface{}
	if msg.OldTuple != nil {
		values = tupleToMap(rel, msg.OldTuple)
	}

	return &ChangeEvent{
		TableName:  rel.RelationName,
		Operation:  OperationDelete,
		Timestamp:  time.Now(),
		OldData:    values,
		PrimaryKey: extractPrimaryKey(rel, values),
	}, nil
}

// tupleToMap keeps column values in their text form. Unchanged TOAST columns
// ('u') are left out.
func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	values := make(map[string]interface{})
	if tuple == nil {
		return values
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		colName := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			values[colName] = nil
		case 't':
			values[colName] = string(col.Data)
		}
	}

	return values
}

func extractPrimaryKey(rel *pglogrepl.RelationMessage, values map[string]interface{}) map[string]interface{} {
	pk := make(map[string]interface{})

	for _, col := range rel.Columns {
		if col.Flags == 1 {
			if val, ok := values[col.Name]; ok {
				pk[col.Name] = val
			}
		}
	}

	return pk
}
