// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package ipc talks to the privileged service that runs the proxy engine.

# Wire Format

Each exchange opens one connection (a Unix domain socket, or a named pipe
on Windows), writes a single newline-terminated JSON request and reads a
single newline-terminated JSON response:

	-> {"id":"<uuid>","command":"GetVersion","payload":{}}
	<- {"id":"<uuid>","success":true,"data":{"code":0,"msg":"ok","data":{"version":"1.1.0"}}}

The response is a double envelope. The outer Response reports whether the
service handled the request at all; success=false is a transport failure.
The inner Reply carries the service's own result; code != 0 is a
functional failure even though transport succeeded. Both layers are
decoded once, here, and surfaced as typed errors:

  - *TransportError (matches ErrUnreachable): the service could not be reached
  - *ServiceError (matches ErrUnreachable): the outer envelope reported success=false
  - *ReplyError: the inner code was non-zero
  - ErrMalformedReply: the service answered with something undecodable
*/
package ipc
