package accountfile

import "accountsdb/errs"

var (
	errRecordOutOfRange = errs.ErrInvalidRecord
	errDataTooLong       = errs.ErrInvalidRecord
)
