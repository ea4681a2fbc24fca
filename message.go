package main

const (
	MsgShort = "Count people in a video stream and publish occupancy over MQTT"

	MsgLong = `people-counter runs a person detection model on every frame of a camera,
image or video, debounces the per-frame counts into confirmed occupancy and
publishes changes to an MQTT broker:

  person           {"count": N, "total": T} when people arrive
                   {"count": N} when people leave
  person/duration  {"duration": S} seconds the previous occupancy lasted

Annotated frames are written to stdout as raw BGR24 for a downstream video
server, or encoded by ffmpeg when output.target is set.`

	MsgExample = `  people-counter -m models/person-detection-retail-0013.onnx -i resources/walk.mp4 \
      | ffmpeg -f rawvideo -pix_fmt bgr24 -s 768x432 -i - http://localhost:3004/fac.ffm
  people-counter -m model.onnx -i CAM -d GPU --pt 0.6
  people-counter -m model.onnx -i walk.avi -pt 0.6
  people-counter -c counter.yaml -i frame.jpg`

	MsgUnsupportedOperators = "Model uses operators the device cannot run"
	MsgNoChannels           = "Model input must have 3 channels"
)
