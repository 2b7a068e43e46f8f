// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package fly delegates static file responses from an HTTP front-end process to a worker process that takes over the client connection.

The front-end wraps its handlers in a Dispatcher. For every request the Resolver accepts, the Dispatcher mints a RequestID, sends a Metadata message naming the absolute file path, hijacks the client connection and sends its descriptor tagged "handle:<id>". Both go over a Channel, a SOCK_SEQPACKET Unix socket pair shared with the worker. Neither send is acknowledged, and once the connection is sent the front-end has given it away; the Handoff that held it fails every further use.

The worker reads the Channel and feeds each arrival into a Table. The two halves of a request may arrive in either order. Whichever comes first waits in the Table under its RequestID; the second one removes it and the pair is handed to a Responder.

The Responder writes a fixed "HTTP/1.1 200 OK" header block and then copies the file onto the connection, without a Content-Length. With the default HeadersFirst policy the header block goes out before the file is opened, so a missing or unreadable file produces a 200 followed by the rendered error as body, after which the connection is closed. StatFirst opens the file first.

Pending halves never expire unless Table.OrphanTTL is set, and a second half of the same kind for a pending RequestID replaces the first unless Table.RejectDuplicates is set.
*/
package fly
