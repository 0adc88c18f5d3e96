// Package sqllog parses DM database SQL logs.
//
// Each record starts with a line of the form
//
//	2025-08-12 10:57:09.562 (EP[0] sess:1 thrd:1 user:joe trxid:0 stmt:1 appname:MyApp) SELECT 1
//
// and continues over any following lines until the next such line. The
// statement may be preceded by a bracketed tag such as [SEL] and followed
// by performance indicators:
//
//	EXECTIME: 12.34(ms) ROWCOUNT: 7(rows) EXEC_ID: 99.
//
// The package offers three ways to consume a log:
//
//   - ParseBytes, ParseString and ParseFile decode a whole source at once,
//     concurrently, returning records and errors in source order.
//   - ForEach and Scanner walk a source one record at a time.
//   - Reader follows a file that is still being written, resuming from a
//     byte offset and buffering an incomplete last record between polls.
//
// Sources may be UTF-8 or GB18030; the encoding is detected once per
// source from its first 64 KiB.
package sqllog
