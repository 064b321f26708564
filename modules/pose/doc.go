/*
Package pose wraps an external keypoint detector behind an Adapter that owns
the model lifecycle.

The Adapter takes frames of any size, downsizes them to at most 640 px on
the long edge for detection, keeps the most confident person, moves
low-confidence keypoints to the (0,0) sentinel and maps coordinates back to
the frame. Model modes are switched with SetMode, which builds the new model
before retiring the old one and falls back to the previous mode on failure.

# Worker protocol

WorkerDetector runs the model in a subprocess (an rtmlib RTMPose worker)
and talks to it over stdin/stdout. Every message is a 4-byte big-endian
length followed by a msgpack map with a "type" key:

	worker → {"type":"ready","mode":"balanced","pose_model":"rtmpose-s"}
	       | {"type":"error","error":"..."}               (startup failure)
	go     → {"type":"detect","seq":7,"width":640,"height":360,"format":"rgba","frame_data":<bytes>}
	worker → {"type":"result","seq":7,"people":[{"score":0.93,"keypoints":[[x,y],...],"scores":[...]}]}
	go     → {"type":"ping","seq":8}
	worker → {"type":"pong","seq":8}
	worker → {"type":"error","seq":9,"error":"..."}        (request failure)

Each person carries exactly 17 COCO keypoints. The worker exits when its
stdin is closed. Log lines on stderr tagged [ERROR], [WARNING] or [INFO] are
forwarded to slog at the matching level.
*/
package pose
