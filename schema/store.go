package schema

var (
	// bucket
	DeadLetterBucket     = "dead-letter-bucket"     // key: eventKey, val: json.marshal(QueuedEvent)
	BackfillCursorBucket = "backfill-cursor-bucket" // key: network+"-"+contract, val: last scanned block
)
