package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/knights-analytics/showo/util/fileutil"
)

// HistorySchema is the layout of history.arrow and of the records sent over Flight.
var HistorySchema = arrow.NewSchema([]arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "time", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "key", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "path", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "caption", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func appendOptional(b *array.StringBuilder, v string) {
	if v == "" {
		b.AppendNull()
		return
	}
	b.Append(v)
}

func newHistoryRecord(entries []Entry) arrow.Record {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, HistorySchema)
	defer builder.Release()

	steps := builder.Field(0).(*array.Int64Builder)
	times := builder.Field(1).(*array.TimestampBuilder)
	keys := builder.Field(2).(*array.StringBuilder)
	kinds := builder.Field(3).(*array.StringBuilder)
	texts := builder.Field(4).(*array.StringBuilder)
	values := builder.Field(5).(*array.Float64Builder)
	paths := builder.Field(6).(*array.StringBuilder)
	captions := builder.Field(7).(*array.StringBuilder)
	for _, e := range entries {
		steps.Append(e.Step)
		times.Append(arrow.Timestamp(e.Time.UnixMilli()))
		keys.Append(e.Key)
		kinds.Append(e.Kind)
		appendOptional(texts, e.Text)
		if e.Kind == KindScalar {
			values.Append(e.Value)
		} else {
			values.AppendNull()
		}
		appendOptional(paths, e.Path)
		appendOptional(captions, e.Caption)
	}
	return builder.NewRecord()
}

func writeHistory(path string, record arrow.Record) (err error) {
	w, err := fileutil.NewFileWriter(path, "application/vnd.apache.arrow.file")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.Close())
	}()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(HistorySchema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return err
	}
	if err = fw.Write(record); err != nil {
		return errors.Join(fmt.Errorf("writing history: %w", err), fw.Close())
	}
	return fw.Close()
}

// ReadHistory loads the entries of a history.arrow file.
func ReadHistory(path string) ([]Entry, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	reader, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	var entries []Entry
	for i := range reader.NumRecords() {
		record, readErr := reader.Record(i)
		if readErr != nil {
			return nil, readErr
		}
		entries = append(entries, entriesFromRecord(record)...)
	}
	return entries, nil
}

func entriesFromRecord(record arrow.Record) []Entry {
	steps := record.Column(0).(*array.Int64)
	times := record.Column(1).(*array.Timestamp)
	keys := record.Column(2).(*array.String)
	kinds := record.Column(3).(*array.String)
	texts := record.Column(4).(*array.String)
	values := record.Column(5).(*array.Float64)
	paths := record.Column(6).(*array.String)
	captions := record.Column(7).(*array.String)
	entries := make([]Entry, record.NumRows())
	for i := range entries {
		entries[i] = Entry{
			Step:    steps.Value(i),
			Time:    times.Value(i).ToTime(arrow.Millisecond),
			Key:     keys.Value(i),
			Kind:    kinds.Value(i),
			Text:    texts.Value(i),
			Path:    paths.Value(i),
			Caption: captions.Value(i),
		}
		if values.IsValid(i) {
			entries[i].Value = values.Value(i)
		}
	}
	return entries
}

// sendHistory streams the history record to a Flight server with DoPut,
// described by path.
func sendHistory(ctx context.Context, addr string, path []string, record arrow.Record) error {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to flight server %s: %w", addr, err)
	}
	defer client.Close()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("starting DoPut: %w", err)
	}
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(HistorySchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	if err = writer.Write(record); err != nil {
		return errors.Join(fmt.Errorf("sending history: %w", err), writer.Close())
	}
	if err = writer.Close(); err != nil {
		return err
	}
	if err = stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receiving DoPut result: %w", err)
		}
	}
}
